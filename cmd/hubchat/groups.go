// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/luxfi/streamrpc"
	"github.com/luxfi/streamrpc/hub"
)

func groupsCmd() *cobra.Command {
	var (
		adminURL string
		hubName  string
		group    string
	)

	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List hub groups, or the members of one group",
		RunE: func(cmd *cobra.Command, args []string) error {
			uri, err := url.Parse(adminURL)
			if err != nil {
				return fmt.Errorf("invalid admin url: %w", err)
			}
			out := cmd.OutOrStdout()

			if group != "" {
				var reply hub.MembersReply
				err := streamrpc.SendJSONRequest(cmd.Context(), uri, hub.AdminServiceName+".Members",
					&hub.MembersArgs{Hub: hubName, Group: group}, &reply)
				if err != nil {
					return err
				}
				for _, id := range reply.Members {
					fmt.Fprintln(out, id)
				}
				return nil
			}

			var reply hub.ListReply
			err = streamrpc.SendJSONRequest(cmd.Context(), uri, hub.AdminServiceName+".List",
				&hub.ListArgs{Hub: hubName}, &reply)
			if err != nil {
				return err
			}
			for _, g := range reply.Groups {
				fmt.Fprintf(out, "%s\t%s\t%d\n", g.Hub, g.Name, g.Members)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&adminURL, "admin-url", "http://localhost:5080"+streamrpc.AdminRPCPath, "admin JSON-RPC endpoint")
	cmd.Flags().StringVar(&hubName, "hub", "Chat", "hub name")
	cmd.Flags().StringVar(&group, "group", "", "list the members of this group")

	return cmd
}
