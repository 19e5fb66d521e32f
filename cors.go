package main

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// corsHeaders are the request headers clients of the gateway send.
var corsHeaders = []string{"Origin", "Content-Type", "Content-Length", "Username", "Password", "Clearpass"}

// normalizeOrigins adds a scheme to bare host:port origins so the browser
// sees an exact match to Origin. It reports whether any origin is allowed.
func normalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, true
	}
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return nil, true
		}
		if !strings.Contains(o, "://") {
			o = "http://" + o
		}
		out = append(out, o)
	}
	return out, false
}

// withCORS builds the CORS middleware for the configured origins.
func withCORS(origins []string) gin.HandlerFunc {
	allowed, all := normalizeOrigins(origins)
	conf := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  corsHeaders,
		ExposeHeaders: []string{"Content-Length", "Content-Type"},
		MaxAge:        12 * time.Hour,
	}
	if all {
		conf.AllowAllOrigins = true
	} else {
		conf.AllowOrigins = allowed
		conf.AllowCredentials = true
	}
	return cors.New(conf)
}
