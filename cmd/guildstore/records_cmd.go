package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/guildstore"
	"pkt.systems/guildstore/api"
	"pkt.systems/guildstore/checkout"
	"pkt.systems/guildstore/record"
	"pkt.systems/pslog"
)

func newShowCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <guild-id>",
		Short: "Print a guild record as stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			id, err := record.ParseID(args[0])
			if err != nil {
				return err
			}
			var cfg guildstore.Config
			logger, err := prepareConfig(&cfg, baseLogger)
			if err != nil {
				return err
			}
			store, err := guildstore.OpenStore(cfg, guildstore.WithLogger(logger))
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			res, err := checkout.WaitForCheckout(ctx, store, id, cfg.CheckoutWait())
			if err != nil {
				return err
			}
			h, ok := res.Handle()
			if !ok {
				return statusErr(id, res.Status())
			}
			h.Discard()
			data, encErr := record.Encode(h.Guild())
			if err := h.Release(ctx); err != nil {
				return err
			}
			if encErr != nil {
				return encErr
			}
			return writeLine(cmd.OutOrStdout(), string(data))
		},
	}
	return cmd
}

type setFlags struct {
	addCreators    []string
	removeCreators []string
	addUpdaters    []string
	removeUpdaters []string
	parentCategory string
	welcome        string
	announcement   string
	clear          []string
}

func newSetCommand(baseLogger pslog.Logger) *cobra.Command {
	var f setFlags
	cmd := &cobra.Command{
		Use:   "set <guild-id>",
		Short: "Apply a partial update to an existing guild record",
		Long: `set checks the record out (waiting up to --max-wait while it is locked),
applies the requested role and channel changes and writes it back. Records
that already match are left untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			id, err := record.ParseID(args[0])
			if err != nil {
				return err
			}
			req, err := f.request(cmd)
			if err != nil {
				return err
			}
			var cfg guildstore.Config
			logger, err := prepareConfig(&cfg, baseLogger)
			if err != nil {
				return err
			}
			svc, err := guildstore.New(cfg, guildstore.WithLogger(logger))
			if err != nil {
				return err
			}
			defer svc.Close()

			snap, status, err := svc.Update(cmd.Context(), id, req.Apply)
			if err != nil {
				return err
			}
			if status != checkout.StatusSuccess {
				return statusErr(id, status)
			}
			data, err := record.Encode(snap.Guild())
			if err != nil {
				return err
			}
			return writeLine(cmd.OutOrStdout(), string(data))
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&f.addCreators, "add-creator-role", nil, "role id allowed to create opt-ins (repeatable)")
	flags.StringSliceVar(&f.removeCreators, "remove-creator-role", nil, "role id to remove from opt-in creators")
	flags.StringSliceVar(&f.addUpdaters, "add-updater-role", nil, "role id allowed to update opt-ins (repeatable)")
	flags.StringSliceVar(&f.removeUpdaters, "remove-updater-role", nil, "role id to remove from opt-in updaters")
	flags.StringVar(&f.parentCategory, "optin-parent-category", "", "category channel id opt-in channels are created under")
	flags.StringVar(&f.welcome, "welcome-channel", "", "welcome channel id")
	flags.StringVar(&f.announcement, "announcement-channel", "", "announcement channel id")
	flags.StringSliceVar(&f.clear, "clear", nil, "channel fields to unset ("+
		strings.Join([]string{api.FieldOptinParentCategory, api.FieldWelcomeChannel, api.FieldAnnouncementChannel}, ", ")+")")
	return cmd
}

func (f setFlags) request(cmd *cobra.Command) (api.UpdateGuildRequest, error) {
	var (
		req api.UpdateGuildRequest
		err error
	)
	if req.AddCreatorRoles, err = parseIDs("add-creator-role", f.addCreators); err != nil {
		return req, err
	}
	if req.RemoveCreatorRoles, err = parseIDs("remove-creator-role", f.removeCreators); err != nil {
		return req, err
	}
	if req.AddUpdaterRoles, err = parseIDs("add-updater-role", f.addUpdaters); err != nil {
		return req, err
	}
	if req.RemoveUpdaterRoles, err = parseIDs("remove-updater-role", f.removeUpdaters); err != nil {
		return req, err
	}
	channels := []struct {
		flag  string
		value string
		dst   **uint64
	}{
		{"optin-parent-category", f.parentCategory, &req.OptinParentCategory},
		{"welcome-channel", f.welcome, &req.WelcomeChannel},
		{"announcement-channel", f.announcement, &req.AnnouncementChannel},
	}
	for _, ch := range channels {
		if !cmd.Flags().Changed(ch.flag) {
			continue
		}
		v, err := parseID(ch.flag, ch.value)
		if err != nil {
			return req, err
		}
		*ch.dst = record.Uint64(v)
	}
	for _, name := range f.clear {
		req.Clear = append(req.Clear, strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	if req.Empty() {
		return req, errors.New("nothing to update")
	}
	return req, nil
}

func parseIDs(flag string, raw []string) ([]uint64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]uint64, 0, len(raw))
	for _, r := range raw {
		v, err := parseID(flag, r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseID(flag, raw string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("--%s: %q is not a snowflake id", flag, raw)
	}
	return v, nil
}

func statusErr(id record.ID, status checkout.Status) error {
	switch status {
	case checkout.StatusNotFound:
		return fmt.Errorf("guild %s: guild is not configured yet", id)
	case checkout.StatusLocked:
		return fmt.Errorf("guild %s: guild record is busy, try again", id)
	default:
		return fmt.Errorf("guild %s: %s", id, status)
	}
}

func writeLine(w io.Writer, s string) error {
	_, err := fmt.Fprintln(w, s)
	return err
}
