package main

import (
	"fmt"
	"net/http"

	"github.com/aye-is/feedbacker/pkg/httpx"
)

func (s *Server) pageHandler(title, blurb string) http.HandlerFunc {
	page := fmt.Sprintf("<!doctype html><html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>", title, title, blurb)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(page))
	}
}

type versionInfo struct {
	Version      string `json:"version"`
	DownloadURL  string `json:"download_url"`
	ReleaseNotes string `json:"release_notes"`
}

func (s *Server) handleSmartTreeLatest(w http.ResponseWriter, r *http.Request) {
	info := versionInfo{
		Version:      env("SMART_TREE_VERSION", "1.0.0"),
		DownloadURL:  "https://github.com/aye-is/smart-tree/releases/latest",
		ReleaseNotes: "Latest Smart Tree MCP release",
	}
	httpx.OK(w, http.StatusOK, "Version info retrieved", info)
}
