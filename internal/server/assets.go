package server

import (
	_ "embed"
	"net/http"
)

//go:embed assets/control.html
var controlHTML []byte

//go:embed assets/control.js
var controlJS []byte

func serveControlHTML(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(controlHTML)
}

func serveControlJS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(controlJS)
}
