// cmd/kvctl is the administrative CLI, built with Cobra. It speaks the
// node wire protocol directly, so any ring member can serve any command.
//
// Usage:
//
//	kvctl put mykey "hello world"   --server 127.0.0.1:7000
//	kvctl get mykey                 --server 127.0.0.1:7000
//	kvctl delete mykey              --server 127.0.0.1:7000
//	kvctl ring                      --server 127.0.0.1:7000
//	kvctl keys                      --server 127.0.0.1:7000
//	kvctl ping                      --server 127.0.0.1:7000
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"chordkv/internal/transport"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "kvctl",
		Short: "Administrative CLI for the chordkv ring",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"127.0.0.1:7000", "Address of any ring member")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"Request timeout")

	root.AddCommand(putCmd(), getCmd(), deleteCmd(), ringCmd(), keysCmd(), pingCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// call sends one request frame to the configured server and returns the
// reply. kvctl is not a ring member, so it identifies itself with a
// sentinel sender id of -1.
func call(msgType transport.MessageType, data any) (*transport.Message, error) {
	client := transport.NewClient(-1, "kvctl")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	reply, err := client.Call(ctx, serverAddr, msgType, data, true)
	if err != nil {
		return nil, err
	}
	if reply.MsgType == transport.ErrorMsg {
		var errData transport.ErrorData
		_ = reply.Decode(&errData)
		return nil, fmt.Errorf("node error: %s", errData.Error)
	}
	return reply, nil
}

// ─── put ──────────────────────────────────────────────────────────────────────

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a key-value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := call(transport.Put, transport.PutData{
				Key:   args[0],
				Value: []byte(args[1]),
			})
			if err != nil {
				return err
			}
			var status transport.StatusData
			if err := reply.Decode(&status); err != nil {
				return fmt.Errorf("decode reply: %w", err)
			}
			if status.Status != "ok" {
				return fmt.Errorf("put failed: %s", status.Error)
			}
			fmt.Printf("stored %q\n", args[0])
			return nil
		},
	}
}

// ─── get ──────────────────────────────────────────────────────────────────────

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Retrieve a value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := call(transport.Get, transport.GetData{Key: args[0]})
			if err != nil {
				return err
			}
			var rep transport.GetReplyData
			if err := reply.Decode(&rep); err != nil {
				return fmt.Errorf("decode reply: %w", err)
			}
			if rep.Error != "" {
				return fmt.Errorf("get failed: %s", rep.Error)
			}
			if rep.Value == nil {
				fmt.Printf("key %q not found\n", args[0])
				return nil
			}
			prettyPrint(map[string]any{
				"key":     args[0],
				"value":   string(rep.Value),
				"version": rep.Version,
			})
			return nil
		},
	}
}

// ─── delete ───────────────────────────────────────────────────────────────────

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := call(transport.Delete, transport.DeleteData{Key: args[0]})
			if err != nil {
				return err
			}
			var status transport.StatusData
			if err := reply.Decode(&status); err != nil {
				return fmt.Errorf("decode reply: %w", err)
			}
			if status.Status != "ok" {
				return fmt.Errorf("delete failed: %s", status.Error)
			}
			fmt.Printf("deleted %q\n", args[0])
			return nil
		},
	}
}

// ─── ring ─────────────────────────────────────────────────────────────────────

func ringCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ring",
		Short: "Show the ring topology as the server sees it",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := call(transport.GetRingInfo, nil)
			if err != nil {
				return err
			}
			var info transport.GetRingInfoReplyData
			if err := reply.Decode(&info); err != nil {
				return fmt.Errorf("decode reply: %w", err)
			}
			prettyPrint(info)
			return nil
		},
	}
}

// ─── keys ─────────────────────────────────────────────────────────────────────

func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List the primary keys held by the server node",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := call(transport.GetAllKeys, nil)
			if err != nil {
				return err
			}
			var listing transport.GetAllKeysReplyData
			if err := reply.Decode(&listing); err != nil {
				return fmt.Errorf("decode reply: %w", err)
			}
			prettyPrint(listing)
			return nil
		},
	}
}

// ─── ping ─────────────────────────────────────────────────────────────────────

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the server node is alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			reply, err := call(transport.Ping, nil)
			if err != nil {
				return err
			}
			var status transport.StatusData
			if err := reply.Decode(&status); err != nil {
				return fmt.Errorf("decode reply: %w", err)
			}
			fmt.Printf("node %d %s (%s)\n", reply.SenderID, status.Status, time.Since(start))
			return nil
		},
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
