// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"net/http"
	"net/http/pprof"
	"os"

	"github.com/gorilla/mux"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigrow/rowflags"
)

// displayStatus arranges for the execution status to be displayed on
// the console and/or a web page depending on the flags specified on
// the command line. The web page is hosted at /debug/status, next to
// the pprof handlers.
func displayStatus(rf rowflags.Flags, st *status.Status) {
	if rf.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, st)
	}
	if len(rf.HTTPAddress.Address) > 0 {
		router := newRouter(st)
		go func() {
			log.Printf("HTTP Status at: %v\n", rf.HTTPAddress)
			err := http.ListenAndServe(rf.HTTPAddress.Address, router)
			if err != nil {
				log.Error.Printf("Failed to start HTTP at: %v: %v\n", rf.HTTPAddress, err)
			}
		}()
	}
}

func newRouter(st *status.Status) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/debug/status", status.Handler(st)).Methods(http.MethodGet)
	router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	router.HandleFunc("/debug/pprof/profile", pprof.Profile)
	router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	router.HandleFunc("/debug/pprof/trace", pprof.Trace)
	router.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	return router
}
