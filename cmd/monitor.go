// Copyright 2026 The queuesync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/clinicflow/queuesync/apis"
	"github.com/clinicflow/queuesync/common"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// requestLogWriter sink for the combined request log
type requestLogWriter struct {
	common.Component
}

// Write logging support
func (w requestLogWriter) Write(p []byte) (n int, err error) {
	log.WithFields(w.LogTags).Infof("%s", p)
	return len(p), nil
}

// DefineMonitorRouter define the monitor API router
func DefineMonitorRouter(
	params *common.MonitorServerConfig, system *SyncSystem, instance string,
) (*mux.Router, error) {
	httpHandler, err := apis.GetAPIRestMonitorHandler(
		system.Hub, system.Actions, system.Channel, &params.HTTPSetting, nil,
	)
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterMonitorRoutes(router, params.Endpoints.PathPrefix, httpHandler)
	mainRouter.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Add logging
	accessLog := requestLogWriter{
		Component: common.Component{LogTags: log.Fields{
			"module": "cmd", "component": "access-log", "instance": instance,
		}},
	}
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})
	return router, nil
}

// RunMonitorServer run the monitor server until the runtime context ends
func RunMonitorServer(
	runtimeContext context.Context,
	params *common.MonitorServerConfig,
	instance string,
	system *SyncSystem,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "monitor",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid monitor server config")
		return err
	}

	router, err := DefineMonitorRouter(params, system, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverCfg := params.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
