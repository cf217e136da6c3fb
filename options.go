package leafsync

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/leafymarket/leafsync/connectivity"
	"github.com/leafymarket/leafsync/db"
	"github.com/leafymarket/leafsync/domain"
	"github.com/rs/zerolog"
)

// WithOptions applies a series of configuration functions to the client.
// Each option function can modify the client configuration and return an error if it fails.
func (client *Client) WithOptions(options ...func(*Client) error) error {
	for _, option := range options {
		err := option(client)
		if err != nil {
			return fmt.Errorf("applying option on leafsync : %w", err)
		}
	}
	return nil
}

// WithConfigDir loads config.yaml from appConfigDir, creating the directory and the file
// with default values on first run.
func WithConfigDir(appConfigDir string) func(*Client) error {
	return func(client *Client) error {
		_, err := os.ReadDir(appConfigDir)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("checking if directory exists %s: %w", appConfigDir, err)
			}
			client.Logger.Info().Str("dir", appConfigDir).Msg("creating config dir")
			if err := os.MkdirAll(appConfigDir, 0700); err != nil {
				return fmt.Errorf("creating config dir %s: %w", appConfigDir, err)
			}
		}

		cfg, err := LoadConfig(appConfigDir)
		if err != nil {
			return err
		}
		client.Config = cfg
		return nil
	}
}

// WithConfig replaces the configuration.
func WithConfig(cfg *Config) func(*Client) error {
	return func(client *Client) error {
		if cfg == nil {
			return errors.New("config is nil")
		}
		client.Config = cfg
		return nil
	}
}

// WithRepo sets the local durable store. A previously set repository is closed.
func WithRepo(repo Repository) func(*Client) error {
	return func(client *Client) error {
		if client.Repo != nil {
			if err := client.Repo.Close(); err != nil {
				return err
			}
			client.Repo = nil
		}
		client.Repo = repo
		return nil
	}
}

// WithDatabase opens the SQLite database at the configured database path and uses it as the repository.
func WithDatabase() func(*Client) error {
	return func(client *Client) error {
		conn, err := db.New(client.Config.Path(client.Config.DatabasePath))
		if err != nil {
			return fmt.Errorf("opening database : %w", err)
		}
		return WithRepo(db.NewLocalRepo(conn))(client)
	}
}

// WithBackend sets the base URL of the entity API.
func WithBackend(baseURL string) func(*Client) error {
	return func(client *Client) error {
		if baseURL == "" {
			return ErrBackendUndefined
		}
		client.Config.BackendURL = baseURL
		return nil
	}
}

// WithBaseTransport sets the network transport wrapped by the caching transport.
func WithBaseTransport(base http.RoundTripper) func(*Client) error {
	return func(client *Client) error {
		client.base = base
		return nil
	}
}

// WithScope replaces the scope built from the configured data paths.
func WithScope(scope *Scope) func(*Client) error {
	return func(client *Client) error {
		client.Scope = scope
		return nil
	}
}

// WithMonitor sets the connectivity monitor.
func WithMonitor(monitor *connectivity.Monitor) func(*Client) error {
	return func(client *Client) error {
		if client.Monitor != nil {
			return errors.New("client already has a connectivity monitor defined")
		}
		client.Monitor = monitor
		return nil
	}
}

// WithProbe sets the reachability probe used to build the connectivity monitor.
func WithProbe(probe connectivity.Probe) func(*Client) error {
	return func(client *Client) error {
		client.probe = probe
		return nil
	}
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *zerolog.Logger) func(*Client) error {
	return func(client *Client) error {
		if logger == nil {
			client.Logger = zerolog.Nop()
			return nil
		}
		client.Logger = *logger
		return nil
	}
}

// WithSyncFailedHandler takes a handler function that will be executed when a record moves to the failed status
func WithSyncFailedHandler(handler func(rec *domain.Record) error) func(*Client) error {
	return func(client *Client) error {
		if client.OnSyncFailed != nil {
			return errors.New("client already has a sync failed handler defined")
		}
		client.OnSyncFailed = handler
		return nil
	}
}

// WithInvalidateHandler takes a handler function that will be executed when cached data of a kind is stale
func WithInvalidateHandler(handler func(kind domain.Kind) error) func(*Client) error {
	return func(client *Client) error {
		if client.OnInvalidate != nil {
			return errors.New("client already has an invalidate handler defined")
		}
		client.OnInvalidate = handler
		return nil
	}
}

// WithLogHandler takes a handler function that will be executed on each Log
func WithLogHandler(handler func(log *domain.Log) error) func(*Client) error {
	return func(client *Client) error {
		if client.OnLog != nil {
			return errors.New("client already has a log handler defined")
		}
		client.OnLog = handler
		return nil
	}
}

// WithReconcileHandler takes a handler function that will be executed after each reconciliation run
func WithReconcileHandler(handler func(report *Report) error) func(*Client) error {
	return func(client *Client) error {
		if client.OnReconcile != nil {
			return errors.New("client already has a reconcile handler defined")
		}
		client.OnReconcile = handler
		return nil
	}
}
