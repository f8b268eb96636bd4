// Command replay feeds canned attack traffic into a running server's
// /ingest endpoint: an SSH brute-force burst, a credential spray, and an
// HTTP path probe. Useful for demos and for watching the live streams.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

type ingestPayload struct {
	Source  string `json:"source"`
	Host    string `json:"host"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

func main() {
	server := flag.String("server", "http://127.0.0.1:8080", "base URL of the IDS server")
	scenario := flag.String("scenario", "ssh-bruteforce", "scenario: ssh-bruteforce | ssh-spray | http-probe")
	attacker := flag.String("ip", "203.0.113.77", "attacker source IP")
	host := flag.String("host", "srv-01", "victim hostname")
	delay := flag.Duration("delay", 200*time.Millisecond, "delay between lines")
	flag.Parse()

	lines := buildScenario(*scenario, *attacker)
	if lines == nil {
		slog.Error("Unknown scenario", "scenario", *scenario)
		os.Exit(2)
	}

	slog.Info("Replaying", "scenario", *scenario, "lines", len(lines), "server", *server)
	client := &http.Client{Timeout: 5 * time.Second}
	for i, line := range lines {
		payload := ingestPayload{
			Source:  line.source,
			Host:    *host,
			Level:   "INFO",
			Message: line.message,
		}
		if err := post(client, *server+"/ingest?debug=1", payload); err != nil {
			slog.Error("Ingest failed", "line", i, "error", err)
			os.Exit(1)
		}
		time.Sleep(*delay)
	}
	slog.Info("Replay complete")
}

type replayLine struct {
	source  string
	message string
}

func buildScenario(name, ip string) []replayLine {
	switch name {
	case "ssh-bruteforce":
		users := []string{"root", "root", "root", "admin", "root", "root"}
		lines := make([]replayLine, 0, len(users))
		for _, u := range users {
			lines = append(lines, replayLine{"sshd", fmt.Sprintf(
				"Failed password for %s from %s port 52144 ssh2", u, ip)})
		}
		return lines

	case "ssh-spray":
		users := []string{"root", "admin", "ubuntu", "test", "guest", "oracle"}
		lines := make([]replayLine, 0, len(users))
		for _, u := range users {
			lines = append(lines, replayLine{"sshd", fmt.Sprintf(
				"Failed password for invalid user %s from %s port 40022 ssh2", u, ip)})
		}
		return lines

	case "http-probe":
		paths := []string{"/admin", "/login", "/phpinfo.php", "/.git/config", "/backup.zip", "/.env"}
		lines := make([]replayLine, 0, len(paths))
		now := time.Now().Format("02/Jan/2006:15:04:05 -0700")
		for _, p := range paths {
			lines = append(lines, replayLine{"nginx", fmt.Sprintf(
				`%s - - [%s] "GET %s HTTP/1.1" 404 153 "-" "Mozilla/5.0"`, ip, now, p)})
		}
		return lines
	}
	return nil
}

func post(client *http.Client, url string, payload ingestPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %s", resp.Status)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err == nil {
		if alerts, ok := out["alerts"].([]any); ok && len(alerts) > 0 {
			slog.Info("Alert fired", "rules", alerts)
		}
	}
	return nil
}
