package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/keglevelmonitor/development-sub000/internal/status"
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
	"liters": func(v float64) string {
		return fmt.Sprintf("%.2f L", v)
	},
	"stateClass": func(t status.Tap) string {
		switch {
		case t.Fault != "":
			return "fault"
		case t.Calibrating:
			return "calibrating"
		case t.State == "POURING":
			return "pouring"
		default:
			return "idle"
		}
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="5">
<title>Flow Meter</title>
<style>
body { font-family: monospace; max-width: 700px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.pouring { color: green; font-weight: bold; }
.idle { color: #888; }
.calibrating { color: blue; font-weight: bold; }
.fault { color: red; font-weight: bold; }
.low { color: orange; font-weight: bold; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Flow Meter{{if .Config.Simulate}} (simulation){{end}}</h1>

{{range .Taps}}
<h2>{{if .Name}}{{.Name}}{{else}}Tap {{.Index}}{{end}}</h2>
<table>
<tr><th>State</th><td class="{{stateClass .}}">{{if .Fault}}FAULT: {{.Fault}}{{else if .Calibrating}}CALIBRATING{{else}}{{.State}}{{end}}</td></tr>
<tr><th>Flow</th><td>{{printf "%.2f" .FlowLPM}} L/min</td></tr>
{{if .Calibrating}}<tr><th>Calibration</th><td>{{.Pulses}} pulses, {{liters .SessionLiters}}</td></tr>
{{else if eq .State "POURING"}}<tr><th>This pour</th><td>{{liters .SessionLiters}}</td></tr>
{{end}}<tr><th>Keg</th><td>{{if .KegID}}{{if .KegTitle}}{{.KegTitle}}{{else}}{{.KegID}}{{end}}{{else}}offline{{end}}</td></tr>
{{if .KegID}}<tr><th>Remaining</th><td{{if .LowVolume}} class="low"{{end}}>{{liters .RemainingLiters}} of {{liters .StartingLiters}}</td></tr>
{{end}}<tr><th>Last pour</th><td>{{with .LastPour}}{{liters .Liters}} at {{printf "%.2f" .AvgFlowLPM}} L/min{{else}}none{{end}}</td></tr>
<tr><th>K-factor</th><td>{{printf "%.1f" .KFactor}} pulses/L</td></tr>
<tr><th>Pours</th><td>{{.Counts.Pours}} ({{.Counts.Discarded}} discarded)</td></tr>
<tr><th>Pin</th><td>{{.Pin}}</td></tr>
</table>
{{end}}

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Sensor loop</th><td>{{if .Running}}running{{else}}stopped{{end}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Poll</th><td>{{.Config.PollMs}}ms</td></tr>
<tr><th>Debounce</th><td>{{.Config.DebounceMs}}ms</td></tr>
<tr><th>Thresholds</th><td>start &gt; {{.Config.ActivityThreshold}}, stop &le; {{.Config.StopThreshold}} pulses/interval</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
