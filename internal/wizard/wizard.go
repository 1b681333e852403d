// Package wizard provides the setup wizard that writes a sproutplan config file.
package wizard

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/sproutplan/sproutplan/internal/config"
)

const defaultOutput = "./sproutplan.json"

// Wizard drives the interactive config setup.
type Wizard struct {
	p *Prompter
}

// New creates a Wizard using the given Prompter.
func New(p *Prompter) *Wizard {
	return &Wizard{p: p}
}

// Run executes the interactive wizard and writes the config file.
func (w *Wizard) Run(outputPath string) error {
	_, _ = fmt.Fprintln(w.p.Out)
	_, _ = fmt.Fprintln(w.p.Out, "  sproutplan configuration")
	_, _ = fmt.Fprintln(w.p.Out, strings.Repeat("─", 28))
	_, _ = fmt.Fprintln(w.p.Out)

	cfg := config.Default()

	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return fmt.Errorf("generate JWT secret: %w", err)
	}
	cfg.Auth.JWTSecret = secret
	_, _ = fmt.Fprintln(w.p.Out, "  A JWT secret was generated and stored in the config file.")
	_, _ = fmt.Fprintln(w.p.Out)

	_, _ = fmt.Fprintln(w.p.Out, "Server")
	cfg.Server.Addr = w.p.AskAddr("  Listen address", cfg.Server.Addr)
	cfg.RateLimit.RequestsPerSecond = w.p.AskRate("  Requests per second per client", cfg.RateLimit.RequestsPerSecond)
	_, _ = fmt.Fprintln(w.p.Out)

	_, _ = fmt.Fprintln(w.p.Out, "Storage")
	cfg.Storage.Driver = w.p.Choose("  Database driver", []string{"sqlite", "postgres"}, 0)
	switch cfg.Storage.Driver {
	case "sqlite":
		cfg.Storage.DSN = w.p.Ask("  SQLite database path", "sproutplan.db")
	case "postgres":
		host := w.p.Ask("  Host", "localhost")
		port := w.p.Ask("  Port", "5432")
		user := w.p.Ask("  User", "sproutplan")
		pass := w.p.AskPassword("  Password")
		name := w.p.Ask("  Database", "sproutplan")
		sslmode := w.p.Choose("  SSL mode", []string{"disable", "require", "verify-full"}, 0)
		cfg.Storage.DSN = postgresDSN(host, port, user, pass, name, sslmode)
	}
	_, _ = fmt.Fprintln(w.p.Out)

	_, _ = fmt.Fprintln(w.p.Out, "Planning")
	cfg.Planning.LookaheadDays = w.p.AskInt("  Days of subscription lookahead", cfg.Planning.LookaheadDays)
	cfg.Planning.Timezone = w.p.AskLocation("  Time zone for \"today\" (empty for local)")
	cfg.Planning.ExpandInterval.Duration = w.p.AskDuration("  Background expansion interval", cfg.Planning.ExpandInterval.Duration)
	cfg.Planning.RejectPastProduction = w.p.Confirm("  Reject orders whose production would start in the past?", false)
	_, _ = fmt.Fprintln(w.p.Out)

	if outputPath == "" {
		outputPath = w.p.Ask("Config file output path", defaultOutput)
	}
	if err := w.write(cfg, outputPath); err != nil {
		return err
	}

	_, _ = fmt.Fprintln(w.p.Out)
	_, _ = fmt.Fprintln(w.p.Out, "  Next steps:")
	_, _ = fmt.Fprintf(w.p.Out, "    sproutplan token --role planner -c %s\n", outputPath)
	_, _ = fmt.Fprintf(w.p.Out, "    sproutplan run %s\n\n", outputPath)
	return nil
}

// RunDefaults writes a config built from SPROUTPLAN_* environment variables
// and defaults without prompting. A JWT secret is generated unless the
// environment provides one.
func (w *Wizard) RunDefaults(outputPath string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		secret, err := config.GenerateRandomSecret()
		if err != nil {
			return fmt.Errorf("generate JWT secret: %w", err)
		}
		cfg.Auth.JWTSecret = secret
	}

	if outputPath == "" {
		outputPath = defaultOutput
	}
	return w.write(cfg, outputPath)
}

func (w *Wizard) write(cfg *config.Config, outputPath string) error {
	if err := config.Save(cfg, outputPath); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w.p.Out, "\n  Config written to %s\n", outputPath)
	return nil
}

func postgresDSN(host, port, user, pass, name, sslmode string) string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, port),
		Path:     "/" + name,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	if pass != "" {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(user)
	}
	return u.String()
}
