package http

import (
	"net/http"

	"github.com/donmikel/photobatch/applications/server/config"
)

func NewHTTPServer(conf config.Api, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         conf.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  conf.ReadTimeout,
		WriteTimeout: conf.WriteTimeout,
	}
}
