// Copyright 2018-2022 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package download exposes the HTTP surface of the download service:
// pre-download, job status, token redemption and direct object streams.
package download

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pilotdataplatform/download/pkg/activitylog"
	"github.com/pilotdataplatform/download/pkg/approval"
	"github.com/pilotdataplatform/download/pkg/catalog"
	"github.com/pilotdataplatform/download/pkg/downloader"
	"github.com/pilotdataplatform/download/pkg/jobstatus"
	"github.com/pilotdataplatform/download/pkg/locks"
	"github.com/pilotdataplatform/download/pkg/objstore"
	"github.com/pilotdataplatform/download/pkg/rhttp/global"
	"github.com/pilotdataplatform/download/pkg/schema"
	"github.com/pilotdataplatform/download/pkg/token"
)

func init() {
	global.Register("download", New)
}

type config struct {
	Prefix          string   `mapstructure:"prefix"`
	StagingRoot     string   `mapstructure:"staging_root"`
	CatalogueURL    string   `mapstructure:"catalogue_url"`
	LockURL         string   `mapstructure:"lock_url"`
	SchemaURL       string   `mapstructure:"dataset_schema_url"`
	QueueURL        string   `mapstructure:"queue_url"`
	ProvenanceURL   string   `mapstructure:"provenance_url"`
	ApprovalDSN     string   `mapstructure:"approval_dsn"`
	Secret          string   `mapstructure:"download_secret"`
	SecondarySecret string   `mapstructure:"download_secret_secondary"`
	TokenTTLMinutes int      `mapstructure:"token_ttl_minutes"`
	GreenZoneLabel  string   `mapstructure:"green_zone_label"`
	CoreZoneLabel   string   `mapstructure:"core_zone_label"`
	SchemaStandards []string `mapstructure:"schema_standards"`
	Workers         int      `mapstructure:"workers"`
	QueueSize       int      `mapstructure:"queue_size"`

	ObjectStore storeConfig      `mapstructure:"object_store"`
	StatusStore jobstatus.Config `mapstructure:"status_store"`
}

type storeConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	Secure        bool   `mapstructure:"secure"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	STSEndpoint   string `mapstructure:"sts_endpoint"`
	TokenDuration int    `mapstructure:"token_duration"`
}

func (c *config) init() {
	if c.StagingRoot == "" {
		c.StagingRoot = "/tmp/downloads"
	}
	if c.TokenTTLMinutes == 0 {
		c.TokenTTLMinutes = 30
	}
	if c.GreenZoneLabel == "" {
		c.GreenZoneLabel = "Greenroom"
	}
	if c.CoreZoneLabel == "" {
		c.CoreZoneLabel = "VRECore"
	}
	if len(c.SchemaStandards) == 0 {
		c.SchemaStandards = []string{"default", "open_minds"}
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.QueueSize == 0 {
		c.QueueSize = 64
	}
}

type svc struct {
	conf   *config
	router *chi.Mux
	log    *zerolog.Logger

	catalog   *catalog.Client
	locker    *locks.Coordinator
	gateway   *objstore.Gateway
	status    *jobstatus.Store
	tokens    *token.Manager
	schemas   *schema.Client
	publisher *activitylog.Publisher
	audit     *activitylog.AuditClient
	approvals *approval.Client
	pool      *downloader.Pool
}

// New returns a new download http service.
func New(m map[string]interface{}, log *zerolog.Logger) (global.Service, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "download: error decoding config")
	}
	c.init()

	tokens, err := token.New(c.Secret, token.WithSecondarySecret(c.SecondarySecret))
	if err != nil {
		return nil, err
	}

	gateway, err := objstore.NewStatic(c.ObjectStore.toObjstore())
	if err != nil {
		return nil, err
	}

	status, err := jobstatus.New(c.StatusStore)
	if err != nil {
		return nil, err
	}

	cat := catalog.New(c.CatalogueURL)

	s := &svc{
		conf:    c,
		router:  chi.NewRouter(),
		log:     log,
		catalog: cat,
		locker: locks.New(locks.Config{
			BaseURL:        c.LockURL,
			GreenZoneLabel: c.GreenZoneLabel,
			CoreZoneLabel:  c.CoreZoneLabel,
		}, cat, log),
		gateway:   gateway,
		status:    status,
		tokens:    tokens,
		schemas:   schema.New(c.SchemaURL),
		publisher: activitylog.NewPublisher(c.QueueURL),
		audit:     activitylog.NewAuditClient(c.ProvenanceURL),
		pool:      downloader.NewPool(c.Workers, c.QueueSize, log),
	}

	if c.ApprovalDSN != "" {
		if s.approvals, err = approval.New(c.ApprovalDSN); err != nil {
			return nil, err
		}
	}

	s.initRouter()
	return s, nil
}

func (c storeConfig) toObjstore() objstore.Config {
	return objstore.Config{
		Endpoint:      c.Endpoint,
		Secure:        c.Secure,
		AccessKey:     c.AccessKey,
		SecretKey:     c.SecretKey,
		STSEndpoint:   c.STSEndpoint,
		TokenDuration: c.TokenDuration,
	}
}

func (s *svc) Prefix() string {
	return s.conf.Prefix
}

// Close drains the worker pool and releases the status store.
func (s *svc) Close() error {
	s.pool.Stop()
	if s.approvals != nil {
		if err := s.approvals.Close(); err != nil {
			return err
		}
	}
	return s.status.Close()
}

func (s *svc) Handler() http.Handler {
	return s.router
}

func (s *svc) initRouter() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/downloads/status", s.listStatus)
		r.Post("/download/pre/", s.preDownloadLegacy)
		r.Get("/download/status/{token}", s.statusByToken)
		r.Delete("/download/status", s.deleteStatus)
		r.Get("/download/{token}", s.redeem)
	})
	s.router.Route("/v2", func(r chi.Router) {
		r.Post("/download/pre/", s.preDownload)
		r.Post("/dataset/download/pre", s.preDownloadDataset)
		r.Get("/dataset/download/{token}", s.datasetDownload)
		r.Get("/object/{geid}", s.getObject)
	})
}

func (s *svc) tokenTTL() time.Duration {
	return time.Duration(s.conf.TokenTTLMinutes) * time.Minute
}

// deps assembles the collaborator set of a download job. The gateway is
// per-request when the caller forwards credentials, shared otherwise.
func (s *svc) deps(gateway downloader.ObjectStore) downloader.Deps {
	return downloader.Deps{
		Resolver:  s.catalog,
		Locker:    s.locker,
		Store:     gateway,
		Status:    s.status,
		Schemas:   s.schemas,
		Publisher: s.publisher,
		Log:       s.log,
	}
}

func (s *svc) options() downloader.Options {
	return downloader.Options{
		StagingRoot:     s.conf.StagingRoot,
		SchemaStandards: s.conf.SchemaStandards,
	}
}

// startJob mints the hand-off token, persists the ZIPPING record with
// the token as hash_code and hands the job to the worker pool. The
// record is returned to the caller before staging begins.
func (s *svc) startJob(ctx context.Context, job *downloader.Job) (jobstatus.Record, error) {
	hashCode, err := s.tokens.Generate(job.Claims(s.tokenTTL()))
	if err != nil {
		return jobstatus.Record{}, err
	}
	record, err := job.SetStatus(ctx, jobstatus.StatusZipping, map[string]interface{}{"hash_code": hashCode})
	if err != nil {
		return jobstatus.Record{}, err
	}
	s.pool.Submit(func(ctx context.Context) {
		job.Run(ctx, hashCode)
	})
	return record, nil
}

// requestGateway returns the object-store gateway for one pre-download.
// When the caller forwards an identity token and an STS endpoint is
// configured, temporary credentials are exchanged for that caller.
func (s *svc) requestGateway(r *http.Request) (downloader.ObjectStore, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" || s.conf.ObjectStore.STSEndpoint == "" {
		return s.gateway, nil
	}
	return objstore.NewWithClientGrants(s.conf.ObjectStore.toObjstore(), auth)
}
