package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/leafymarket/leafsync/domain"
	"github.com/spf13/cobra"
)

func parseKind(arg string) (domain.Kind, error) {
	kind := domain.Kind(arg)
	if _, err := domain.SchemaFor(kind); err != nil {
		return "", err
	}
	return kind, nil
}

func parsePayload(data string) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("parsing --data as a JSON object : %w", err)
	}
	return payload, nil
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "Show connectivity and the number of pending, failed and queued items",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			return newFormatter(rootOpts, cmd.OutOrStdout()).Print(status, func(w io.Writer) error {
				state := "offline"
				if status.Online {
					state = "online"
				}
				_, err := fmt.Fprintf(w, "%s\npending: %d\nfailed:  %d\nqueued:  %d\n", state, status.Pending, status.Failed, status.Queued)
				return err
			})
		},
	}
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var index, value string

	cmd := &cobra.Command{
		Use:          "list <kind>",
		Short:        "List the records of a kind, refreshed from the backend when online",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			client, err := openClient(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			var records []*domain.Record
			if index != "" {
				records, err = client.ListByIndex(cmd.Context(), kind, index, value)
			} else {
				records, err = client.List(cmd.Context(), kind)
			}
			if err != nil {
				return err
			}
			views := viewRecords(records)
			return newFormatter(rootOpts, cmd.OutOrStdout()).Print(views, func(w io.Writer) error {
				return recordsTable(w, views)
			})
		},
	}
	cmd.Flags().StringVar(&index, "index", "", "secondary index to filter on (products: category, orders: product_id, status)")
	cmd.Flags().StringVar(&value, "value", "", "value the index must equal")
	return cmd
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "pending",
		Short:        "List records waiting to be reconciled, in replay order",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			pending, err := client.ListPending(cmd.Context())
			if err != nil {
				return err
			}
			var records []*domain.Record
			for _, kind := range domain.ReplayOrder {
				records = append(records, pending[kind]...)
			}
			views := viewRecords(records)
			return newFormatter(rootOpts, cmd.OutOrStdout()).Print(views, func(w io.Writer) error {
				return recordsTable(w, views)
			})
		},
	}
}

// NewFailedCommand creates the failed command.
func NewFailedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "failed",
		Short:        "List records the backend rejected",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			records, err := client.ListFailed(cmd.Context())
			if err != nil {
				return err
			}
			views := viewRecords(records)
			return newFormatter(rootOpts, cmd.OutOrStdout()).Print(views, func(w io.Writer) error {
				rows := make([][]string, 0, len(views))
				for _, rec := range views {
					rows = append(rows, []string{string(rec.Kind), rec.ID, string(rec.Op), rec.Error})
				}
				return table(w, []string{"KIND", "ID", "OP", "ERROR"}, rows)
			})
		},
	}
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "retry <kind> <id>",
		Short:        "Move a failed record back to pending",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			client, err := openClient(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Retry(cmd.Context(), kind, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s is pending again\n", kind, args[1])
			return nil
		},
	}
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "discard <kind> <id>",
		Short:        "Drop a pending or failed record from the local store",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			client, err := openClient(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Discard(cmd.Context(), kind, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s discarded\n", kind, args[1])
			return nil
		},
	}
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:          "submit <kind>",
		Short:        "Create an entity, stored locally when the backend is unreachable",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			payload, err := parsePayload(data)
			if err != nil {
				return err
			}
			client, err := openClient(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			rec, err := client.Submit(cmd.Context(), kind, payload)
			if err != nil {
				return err
			}
			return printRecord(rootOpts, cmd, rec)
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "{}", "entity attributes as a JSON object")
	return cmd
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:          "update <kind> <id>",
		Short:        "Apply a partial update, stored locally when the backend is unreachable",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			patch, err := parsePayload(data)
			if err != nil {
				return err
			}
			client, err := openClient(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			rec, err := client.SubmitUpdate(cmd.Context(), kind, args[1], patch)
			if err != nil {
				return err
			}
			return printRecord(rootOpts, cmd, rec)
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "{}", "attributes to change as a JSON object")
	return cmd
}

func printRecord(rootOpts *RootOptions, cmd *cobra.Command, rec *domain.Record) error {
	view := viewRecord(rec)
	return newFormatter(rootOpts, cmd.OutOrStdout()).Print(view, func(w io.Writer) error {
		state := "synced"
		if rec.PendingSync {
			state = "stored for later sync"
		}
		_, err := fmt.Fprintf(w, "%s %s %s\n%s\n", rec.Kind, rec.ID, state, attributesText(rec.Attributes))
		return err
	})
}
