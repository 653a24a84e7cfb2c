package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/NikosSpanos/health-monitoring-app/internal/tui/app"
	"github.com/NikosSpanos/health-monitoring-app/internal/tui/client"
)

func main() {
	wsURL := flag.String("url", "ws://127.0.0.1:8090/ws", "WebSocket URL of the KPI dashboard")
	token := flag.String("token", "", "Auth token (if the dashboard requires it)")
	style := flag.String("style", "dark", "Markdown style: dark, light, ascii or notty")
	flag.Parse()

	ws := client.NewWSClient(*wsURL, *token)
	defer ws.Close()
	httpClient := client.NewHTTPClient(deriveHTTPBase(*wsURL), *token)

	m := app.New(ws, httpClient, app.Options{Style: *style})
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// deriveHTTPBase converts ws://host:port/ws → http://host:port
func deriveHTTPBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "http://127.0.0.1:8090"
	}
	scheme := "http"
	if strings.HasPrefix(u.Scheme, "wss") {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}
