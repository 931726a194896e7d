package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"skillcron/internal/app"
	"skillcron/internal/storage"
)

func newNotificationsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"inbox"},
		Short:   "Read the notification inbox",
	}
	cmd.AddCommand(newNotificationsListCmd(root), newNotificationsReadCmd(root))
	return cmd
}

func newNotificationsListCmd(root *rootOptions) *cobra.Command {
	var (
		limit  int
		unread bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOffline(cmd, root, func(ctx context.Context, off *app.Offline) error {
				list, err := off.Store.ListNotifications(ctx, storage.NotificationFilter{Limit: limit, UnreadOnly: unread})
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), list)
				}
				n, err := off.Store.UnreadCount(ctx)
				if err != nil {
					return err
				}
				if err := printNotifications(cmd.OutOrStdout(), list); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d unread\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of notifications")
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread notifications")
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}

func newNotificationsReadCmd(root *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "read [id]",
		Short: "Mark one notification, or all with --all, as read",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(cmd, root, func(ctx context.Context, off *app.Offline) error {
				if all {
					n, err := off.Store.MarkAllNotificationsRead(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "marked %d read\n", n)
					return nil
				}
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return errors.Newf("invalid notification id %q", args[0])
				}
				ok, err := off.Store.MarkNotificationRead(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					return errors.Wrapf(storage.ErrNotFound, "notification %d", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "marked %d read\n", id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "mark every notification read")
	return cmd
}
