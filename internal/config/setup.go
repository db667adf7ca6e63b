package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard walks through the proxy settings on in, echoing prompts to
// out, validates the answers and saves them.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	p := &prompter{r: bufio.NewReader(in), w: out}

	fmt.Fprintln(out, "── pso2proxy setup ──")
	fmt.Fprintln(out)

	proxy := cfg.GetProxy()
	fmt.Fprintln(out, "── Relay ──")
	proxy.ListenAddr = p.str("Listen address", proxy.ListenAddr)
	proxy.UpstreamAddr = p.str("Upstream ship address", proxy.UpstreamAddr)
	proxy.PacketType = p.str("Packet type (ngs, classic, na, jp, vita)", proxy.PacketType)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Handshake keys ──")
	proxy.PrivateKeyPath = p.str("Private key the client encrypts to (PEM)", proxy.PrivateKeyPath)
	proxy.UpstreamKeyPath = p.str("Upstream public key (PEM)", proxy.UpstreamKeyPath)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Captures ──")
	proxy.CaptureDir = p.str("Capture directory (blank disables captures)", proxy.CaptureDir)
	proxy.CompressCapture = p.boolean("Compress captures", proxy.CompressCapture)
	cfg.SetProxy(proxy)

	cfg.mu.Lock()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Inspection API ──")
	cfg.API.Enabled = p.boolean("Enable inspection API", cfg.API.Enabled)
	if cfg.API.Enabled {
		cfg.API.Port = p.integer("API port", cfg.API.Port)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── MQTT telemetry ──")
	cfg.MQTT.Enabled = p.boolean("Enable MQTT telemetry", cfg.MQTT.Enabled)
	if cfg.MQTT.Enabled {
		cfg.MQTT.BrokerURL = p.str("Broker host", cfg.MQTT.BrokerURL)
		cfg.MQTT.Port = p.integer("Broker port", cfg.MQTT.Port)
	}
	cfg.mu.Unlock()

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		return fmt.Errorf("configuration validation failed")
	}
	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	fmt.Fprintln(out, "\nConfiguration saved.")
	return nil
}

type prompter struct {
	r *bufio.Reader
	w io.Writer
}

func (p *prompter) line() string {
	input, _ := p.r.ReadString('\n')
	return strings.TrimSpace(input)
}

func (p *prompter) str(prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.w, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(p.w, "  %s: ", prompt)
	}
	if input := p.line(); input != "" {
		return input
	}
	return defaultVal
}

func (p *prompter) integer(prompt string, defaultVal int) int {
	fmt.Fprintf(p.w, "  %s [%d]: ", prompt, defaultVal)
	input := p.line()
	if input == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(p.w, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (p *prompter) boolean(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}
	fmt.Fprintf(p.w, "  %s [%s]: ", prompt, defaultStr)
	input := strings.ToLower(p.line())
	if input == "" {
		return defaultVal
	}
	return input == "yes" || input == "y" || input == "true" || input == "1"
}
