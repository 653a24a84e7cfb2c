// Package frontend embeds the dashboard page and its script.
package frontend

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"
)

//go:embed static/* templates/*
var files embed.FS

// Page renders the dashboard shell around the container markup.
var Page = template.Must(template.ParseFS(files, "templates/index.html.tmpl"))

// PageData is the input of Page.
type PageData struct {
	Title       string
	ContainerID string
	HTML        template.HTML
	Stale       bool
	Note        string
	Version     uint64
}

// Handler serves the static assets (mounted under /static/).
func Handler() http.Handler {
	sub, err := fs.Sub(files, "static")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}
