package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/relay-scheduler/internal/logic"
	"github.com/sweeney/relay-scheduler/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"stateClass": func(s logic.State) string {
		switch s {
		case logic.StateOn:
			return "on"
		case logic.StateOff:
			return "off"
		}
		return "unknown"
	},
	"rfc3339": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.UTC().Format(time.RFC3339)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Relay Scheduler</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.error { color: red; }
</style>
</head>
<body>
<h1>Relay Scheduler ({{.Config.Role}})</h1>

<h2>Reconciliation</h2>
<table>
<tr><th>Mode</th><td id="mode">{{.Mode}}</td></tr>
<tr><th>Watched outputs</th><td>{{.OpenOutputs}}</td></tr>
<tr><th>Sweeps</th><td>{{.Sweeps.Total}}</td></tr>
<tr><th>Purged</th><td>{{.Sweeps.Purged}}</td></tr>
<tr><th>Failures</th><td>{{.Sweeps.Failures}}</td></tr>
<tr><th>Last sweep</th><td>{{rfc3339 .Sweeps.Last}}{{if .Sweeps.LastAt}} ({{.Sweeps.LastAt}}){{end}}</td></tr>
{{if .Sweeps.LastError}}<tr><th>Last error</th><td class="error">{{.Sweeps.LastError}}</td></tr>{{end}}
</table>

{{if .Pins}}
<h2>Outputs</h2>
<table id="outputs">
{{range .Pins}}<tr><th>{{.}}</th><td class="{{stateClass (index $.Outputs .)}}">{{index $.Outputs .}}</td></tr>
{{end}}<tr><th>Switched ON</th><td>{{.Counts.On}}</td></tr>
<tr><th>Switched OFF</th><td>{{.Counts.Off}}</td></tr>
</table>
{{end}}

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{if .Config.Broker}}{{.Config.Broker}}{{else}}none{{end}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Environment</th><td>{{.Config.Environment}}</td></tr>
<tr><th>Store</th><td>{{.Config.StoreBackend}}</td></tr>
<tr><th>Foreground interval</th><td>{{.Config.ForegroundInterval}}</td></tr>
<tr><th>Background interval</th><td>{{.Config.BackgroundInterval}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// the template needs Uptime and Pins as fields
	data := struct {
		status.Snapshot
		Uptime time.Duration
		Pins   []string
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Pins:     snap.Pins(),
	}
	return indexTmpl.Execute(w, data)
}
