package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/synapse-mesh/synapse-relay/internal/transport"
)

func clientFor(cmd *cobra.Command) *transport.Client {
	sock, _ := cmd.Flags().GetString("socket")
	return transport.NewClient(sock)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func relayCmd() *cobra.Command {
	var (
		signalType string
		targets    []string
		payloadStr string
		priority   string
		noBuffer   bool
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay a signal to one or more peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if payloadStr != "" {
				if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}
			req := transport.RelayRequest{
				SignalType:    signalType,
				TargetServers: targets,
				Payload:       payload,
				Priority:      priority,
			}
			if noBuffer {
				f := false
				req.BufferIfOffline = &f
			}
			res, err := clientFor(cmd).RelaySignal(req)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVarP(&signalType, "type", "t", "0x50", "Signal type (hex or decimal)")
	cmd.Flags().StringSliceVar(&targets, "target", nil, "Target peer name (repeatable)")
	cmd.Flags().StringVarP(&payloadStr, "payload", "p", "", "JSON payload object")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority: low, normal, high, urgent")
	cmd.Flags().BoolVar(&noBuffer, "no-buffer", false, "Do not buffer for unreachable targets")
	cmd.MarkFlagRequired("target")
	return cmd
}

func rulesCmd() *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Manage relay rules",
	}

	var (
		pattern      string
		sourceFilter string
		relayTo      []string
		transformStr string
		priority     int
		disabled     bool
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a relay rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := transport.ConfigureRequest{
				Action:        "add",
				SignalPattern: pattern,
				RelayTo:       relayTo,
			}
			if sourceFilter != "" {
				req.SourceFilter = &sourceFilter
			}
			if transformStr != "" {
				var transform map[string]any
				if err := json.Unmarshal([]byte(transformStr), &transform); err != nil {
					return fmt.Errorf("invalid --transform: %w", err)
				}
				req.Transform = transform
			}
			if priority != 0 {
				req.Priority = &priority
			}
			if disabled {
				f := false
				req.Enabled = &f
			}
			res, err := clientFor(cmd).ConfigureRelay(req)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	add.Flags().StringVar(&pattern, "pattern", "", "Signal type to match (hex or decimal)")
	add.Flags().StringVar(&sourceFilter, "source", "", "Source server regex filter")
	add.Flags().StringSliceVar(&relayTo, "to", nil, "Relay target (repeatable)")
	add.Flags().StringVar(&transformStr, "transform", "", "JSON transform spec")
	add.Flags().IntVar(&priority, "priority", 0, "Rule priority (higher wins)")
	add.Flags().BoolVar(&disabled, "disabled", false, "Create the rule disabled")
	add.MarkFlagRequired("pattern")
	add.MarkFlagRequired("to")

	remove := &cobra.Command{
		Use:   "remove <rule-id>",
		Short: "Remove a relay rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid rule id %q", args[0])
			}
			res, err := clientFor(cmd).ConfigureRelay(transport.ConfigureRequest{Action: "remove", RuleID: &id})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List relay rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := clientFor(cmd).ConfigureRelay(transport.ConfigureRequest{Action: "list"})
			if err != nil {
				return err
			}
			return printJSON(res.Rules)
		},
	}

	var enable, disable bool
	update := &cobra.Command{
		Use:   "update <rule-id>",
		Short: "Update a relay rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid rule id %q", args[0])
			}
			req := transport.ConfigureRequest{Action: "update", RuleID: &id}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			if enable {
				v := true
				req.Enabled = &v
			}
			if disable {
				v := false
				req.Enabled = &v
			}
			if len(relayTo) > 0 {
				req.RelayTo = relayTo
			}
			res, err := clientFor(cmd).ConfigureRelay(req)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	update.Flags().IntVar(&priority, "priority", 0, "Rule priority")
	update.Flags().StringSliceVar(&relayTo, "to", nil, "Replace relay targets")
	update.Flags().BoolVar(&enable, "enable", false, "Enable the rule")
	update.Flags().BoolVar(&disable, "disable", false, "Disable the rule")

	rules.AddCommand(add, update, remove, list)
	return rules
}

func statsCmd() *cobra.Command {
	var (
		sinceHours float64
		groupBy    string
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show relay statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			since := time.Now().Add(-time.Duration(sinceHours * float64(time.Hour))).UnixMilli()
			res, err := clientFor(cmd).GetRelayStats(since, 0, groupBy)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().Float64Var(&sinceHours, "since-hours", 24, "Window size in hours")
	cmd.Flags().StringVar(&groupBy, "group-by", "", "Group by: signal_type, source, target, hour, day")
	return cmd
}

func bufferCmd() *cobra.Command {
	buffer := &cobra.Command{
		Use:   "buffer",
		Short: "Inspect and manage buffered signals",
	}

	var (
		status string
		target string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List buffered signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := clientFor(cmd).BufferSignals(transport.BufferRequest{
				Action:       "list",
				Status:       status,
				TargetServer: target,
				Limit:        limit,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status: pending, delivered, expired, failed")
	list.Flags().StringVar(&target, "target", "", "Filter by target server")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum rows")

	retry := &cobra.Command{
		Use:   "retry <buffer-id>...",
		Short: "Retry buffered signals immediately",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := clientFor(cmd).BufferSignals(transport.BufferRequest{
				Action:    "retry",
				BufferIDs: args,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	var (
		clearTarget string
		clearType   string
		maxAge      float64
	)
	clear := &cobra.Command{
		Use:   "clear [buffer-id]...",
		Short: "Delete buffered signals matching a filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := transport.BufferRequest{
				Action:       "clear",
				BufferIDs:    args,
				TargetServer: clearTarget,
				SignalType:   clearType,
			}
			if cmd.Flags().Changed("max-age-hours") {
				req.MaxAgeHours = &maxAge
			}
			res, err := clientFor(cmd).BufferSignals(req)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	clear.Flags().StringVar(&clearTarget, "target", "", "Clear rows for this target")
	clear.Flags().StringVar(&clearType, "type", "", "Clear rows with this signal type")
	clear.Flags().Float64Var(&maxAge, "max-age-hours", 0, "Clear rows older than this many hours")

	flush := &cobra.Command{
		Use:   "flush [target]",
		Short: "Deliver or fail every pending row now",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := transport.BufferRequest{Action: "flush"}
			if len(args) == 1 {
				req.TargetServer = args[0]
			}
			res, err := clientFor(cmd).BufferSignals(req)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	buffer.AddCommand(list, retry, clear, flush)
	return buffer
}
