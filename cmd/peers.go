package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"graphshell/internal/access"
	"graphshell/internal/db"
)

var (
	peersJSON bool
	peerRole  string
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Manage trusted sync peers and their workspace grants",
}

var peersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trusted peers",
	Args:  cobra.NoArgs,
	RunE: withDatabase(func(ctx context.Context, d *db.DB, w io.Writer, args []string) error {
		return listPeers(ctx, d, w, peersJSON)
	}),
}

var peersTrustCmd = &cobra.Command{
	Use:   "trust <node-id> <display-name>",
	Short: "Trust a peer, or rename an already trusted one",
	Args:  cobra.ExactArgs(2),
	RunE: withDatabase(func(ctx context.Context, d *db.DB, w io.Writer, args []string) error {
		return trustPeer(ctx, d, w, args[0], args[1], peerRole, time.Now())
	}),
}

var peersGrantCmd = &cobra.Command{
	Use:   "grant <node-id> <workspace> <read_only|read_write>",
	Short: "Give a trusted peer access to a workspace",
	Args:  cobra.ExactArgs(3),
	RunE: withDatabase(func(ctx context.Context, d *db.DB, w io.Writer, args []string) error {
		level, err := access.ParseLevel(args[2])
		if err != nil {
			return err
		}
		return updatePeer(ctx, d, w, args[0], func(s *access.Store) error {
			return s.SetGrant(args[0], args[1], level)
		})
	}),
}

var peersUngrantCmd = &cobra.Command{
	Use:   "ungrant <node-id> <workspace>",
	Short: "Withdraw a peer's access to a workspace",
	Args:  cobra.ExactArgs(2),
	RunE: withDatabase(func(ctx context.Context, d *db.DB, w io.Writer, args []string) error {
		return updatePeer(ctx, d, w, args[0], func(s *access.Store) error {
			return s.RemoveGrant(args[0], args[1])
		})
	}),
}

var peersRevokeCmd = &cobra.Command{
	Use:   "revoke <node-id>",
	Short: "Forget a peer and all its grants",
	Args:  cobra.ExactArgs(1),
	RunE: withDatabase(func(ctx context.Context, d *db.DB, w io.Writer, args []string) error {
		if err := d.DeletePeer(ctx, args[0]); err != nil {
			return fmt.Errorf("revoking %s: %w", args[0], err)
		}
		fmt.Fprintf(w, "Revoked %s\n", args[0])
		return nil
	}),
}

func init() {
	peersListCmd.Flags().BoolVar(&peersJSON, "json", false, "Output as JSON")
	peersTrustCmd.Flags().StringVar(&peerRole, "role", string(access.RoleFriend), "Peer role: self or friend")
	peersCmd.AddCommand(peersListCmd, peersTrustCmd, peersGrantCmd, peersUngrantCmd, peersRevokeCmd)
	rootCmd.AddCommand(peersCmd)
}

// withDatabase opens the store around a subcommand body.
func withDatabase(fn func(ctx context.Context, d *db.DB, w io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		d, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer d.Close()
		return fn(ctx, d, cmd.OutOrStdout(), args)
	}
}

func listPeers(ctx context.Context, d *db.DB, w io.Writer, asJSON bool) error {
	peers, err := d.Peers(ctx)
	if err != nil {
		return fmt.Errorf("loading peers: %w", err)
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if peers == nil {
			peers = []access.TrustedPeer{}
		}
		return enc.Encode(peers)
	}
	if len(peers) == 0 {
		fmt.Fprintln(w, "No trusted peers.")
		return nil
	}
	for _, p := range peers {
		seen := "never"
		if !p.LastSeen.IsZero() {
			seen = humanize.Time(p.LastSeen)
		}
		fmt.Fprintf(w, "%s  %-20s %-6s seen %s\n", truncID(p.NodeID), p.DisplayName, p.Role, seen)
		for _, g := range p.Grants {
			fmt.Fprintf(w, "    %s: %s\n", g.WorkspaceID, g.Access)
		}
	}
	return nil
}

func parseRole(s string) (access.Role, error) {
	switch r := access.Role(s); r {
	case access.RoleSelf, access.RoleFriend:
		return r, nil
	}
	return "", fmt.Errorf("invalid role %q (want self or friend)", s)
}

func trustPeer(ctx context.Context, d *db.DB, w io.Writer, nodeID, name, role string, now time.Time) error {
	r, err := parseRole(role)
	if err != nil {
		return err
	}
	store, err := loadTrust(ctx, d)
	if err != nil {
		return err
	}
	p, ok := store.Get(nodeID)
	if !ok {
		p = access.TrustedPeer{NodeID: nodeID, AddedAt: now}
	}
	p.DisplayName = name
	p.Role = r
	store.Trust(p)
	if err := d.SavePeer(ctx, p); err != nil {
		return err
	}
	fmt.Fprintf(w, "Trusted %s as %q (%s)\n", nodeID, name, r)
	return nil
}

// updatePeer applies change to the trust store and persists the peer.
func updatePeer(ctx context.Context, d *db.DB, w io.Writer, nodeID string, change func(*access.Store) error) error {
	store, err := loadTrust(ctx, d)
	if err != nil {
		return err
	}
	if err := change(store); err != nil {
		return err
	}
	p, _ := store.Get(nodeID)
	if err := d.SavePeer(ctx, p); err != nil {
		return err
	}
	fmt.Fprintf(w, "Updated %s: %d workspace grant(s)\n", nodeID, len(p.Grants))
	return nil
}

func loadTrust(ctx context.Context, d *db.DB) (*access.Store, error) {
	peers, err := d.Peers(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading peers: %w", err)
	}
	return access.NewStore(peers...), nil
}
