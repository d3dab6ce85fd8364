// Command vaultctl is the command-line interface to a vault: item
// management, the recycle bin, password changes and device-to-device
// transfer.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/config"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/engine"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/logger"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/transfer"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/vaultstore"
)

var (
	flagVault    string
	flagConfig   string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Manage an encrypted vault",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagVault, "vault", "", "vault directory")
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to JSON config file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level")

	root.AddCommand(
		initCmd(), addCmd(), getCmd(), listCmd(), renameCmd(), recycleCmd(),
		binCmd(), passwdCmd(), statsCmd(), checkCmd(), auditCmd(),
		pairCmd(), sendCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vaultctl:", err)
		os.Exit(1)
	}
}

func options() (*config.Options, error) {
	o := config.Default()
	if flagConfig != "" {
		if err := o.ApplyFile(flagConfig); err != nil {
			return nil, err
		}
	}
	o.ApplyEnv()
	if flagVault != "" {
		o.VaultDir = flagVault
	}
	o.LogLevel = flagLogLevel
	return o, o.Validate()
}

func readPassword(prompt string) ([]byte, error) {
	if p := os.Getenv("VAULT_PASSWORD"); p != "" {
		return []byte(p), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

// withEngine unlocks the vault, runs fn and locks it again.
func withEngine(fn func(ctx context.Context, e *engine.Engine) error) error {
	opts, err := options()
	if err != nil {
		return err
	}
	log, err := logger.New(opts.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	e, err := engine.New(opts, log)
	if err != nil {
		return err
	}
	defer e.Close()

	password, err := readPassword("vault password: ")
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := e.Unlock(ctx, password); err != nil {
		return err
	}
	defer e.Lock()
	return fn(ctx, e)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := options()
			if err != nil {
				return err
			}
			log, err := logger.New(opts.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			e, err := engine.New(opts, log)
			if err != nil {
				return err
			}
			defer e.Close()

			password, err := readPassword("new vault password: ")
			if err != nil {
				return err
			}
			again, err := readPassword("repeat password: ")
			if err != nil {
				return err
			}
			if string(password) != string(again) {
				return fmt.Errorf("passwords do not match")
			}
			if err := e.Initialize(context.Background(), password); err != nil {
				return err
			}
			defer e.Lock()
			fmt.Println("vault created at", opts.VaultDir)
			return nil
		},
	}
}

func addCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add <category> <file>",
		Short: "Encrypt and store a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				if name == "" {
					name = filepath.Base(args[1])
				}
				meta, err := e.Add(ctx, vaultstore.Category(args[0]), name, f)
				if err != nil {
					return err
				}
				fmt.Println(meta.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name (defaults to the file name)")
	return cmd
}

func getCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Decrypt an item to a file or stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				rc, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				defer rc.Close()

				var w io.Writer = os.Stdout
				if out != "" {
					f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				_, err = io.Copy(w, rc)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [category]",
		Short: "List active items",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				var category vaultstore.Category
				if len(args) == 1 {
					category = vaultstore.Category(args[0])
				}
				items, err := e.List(category)
				if err != nil {
					return err
				}
				for _, it := range items {
					fmt.Printf("%s\t%-10s\t%10d\t%s\n", it.ID, it.Category, it.Size, it.Name)
				}
				return nil
			})
		},
	}
}

func renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				return e.Rename(args[0], args[1])
			})
		},
	}
}

func recycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recycle <id>",
		Short: "Move an item to the recycle bin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				return e.Recycle(args[0])
			})
		},
	}
}

func binCmd() *cobra.Command {
	bin := &cobra.Command{
		Use:   "bin",
		Short: "Inspect and manage the recycle bin",
	}
	bin.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recycled items with time to expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				entries, err := e.ListRecycled()
				if err != nil {
					return err
				}
				for _, en := range entries {
					fmt.Printf("%s\t%-10s\texpires in %s\t%s\n",
						en.ID, en.Category, en.TimeToExpiry.Round(time.Minute), en.Name)
				}
				return nil
			})
		},
	})
	bin.AddCommand(&cobra.Command{
		Use:   "restore <id>",
		Short: "Restore a recycled item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				return e.Restore(args[0])
			})
		},
	})
	bin.AddCommand(&cobra.Command{
		Use:   "purge <id>",
		Short: "Destroy a recycled item permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				return e.Purge(args[0])
			})
		},
	})
	bin.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Purge every expired recycled item now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				purged, err := e.PurgeExpired(ctx)
				for _, id := range purged {
					fmt.Println("purged", id)
				}
				return err
			})
		},
	})
	return bin
}

func passwdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the vault password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := options()
			if err != nil {
				return err
			}
			log, err := logger.New(opts.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			e, err := engine.New(opts, log)
			if err != nil {
				return err
			}
			defer e.Close()

			oldPw, err := readPassword("current password: ")
			if err != nil {
				return err
			}
			if err := e.Unlock(context.Background(), oldPw); err != nil {
				return err
			}
			defer e.Lock()

			fmt.Fprint(os.Stderr, "new password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return err
			}
			newPw := []byte(strings.TrimRight(line, "\r\n"))
			if len(newPw) == 0 {
				return fmt.Errorf("empty password")
			}
			if err := e.ChangePassword(oldPw, newPw); err != nil {
				return err
			}
			fmt.Println("password changed")
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-category item counts and sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				stats, err := e.Stats()
				if err != nil {
					return err
				}
				for _, c := range []vaultstore.Category{
					vaultstore.CategoryPhoto, vaultstore.CategoryVideo,
					vaultstore.CategoryDocument, vaultstore.CategoryAudio,
					vaultstore.CategoryContact,
				} {
					s := stats[c]
					fmt.Printf("%-10s\t%6d items\t%12d bytes\n", c, s.Count, s.TotalSize)
				}
				return nil
			})
		},
	}
}

func checkCmd() *cobra.Command {
	var deep bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify index-to-blob consistency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				report, err := e.Check(ctx, deep)
				if err != nil {
					return err
				}
				for _, id := range report.Missing {
					fmt.Println("missing blob:", id)
				}
				for _, id := range report.Corrupt {
					fmt.Println("corrupt blob:", id)
				}
				if len(report.Missing)+len(report.Corrupt) == 0 {
					fmt.Println("ok")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&deep, "deep", false, "decrypt and authenticate every blob")
	return cmd
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Print the verified audit trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				entries, err := e.AuditEntries()
				if err != nil {
					return err
				}
				for _, en := range entries {
					ts := time.Unix(0, en.TS).Format(time.RFC3339)
					fmt.Printf("%s\t%-18s\t%s\n", ts, en.Event, en.Detail)
				}
				return nil
			})
		},
	}
}

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Receive items: print a pairing payload and wait for a sender",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				opts, err := options()
				if err != nil {
					return err
				}
				srv := &http.Server{
					Addr:              opts.TransferAddr,
					Handler:           e.TransferHandler(),
					ReadHeaderTimeout: 10 * time.Second,
				}
				errCh := make(chan error, 1)
				go func() { errCh <- srv.ListenAndServe() }()

				payload, err := e.CreatePairing()
				if err != nil {
					return err
				}
				fmt.Println("pairing payload (share out of band):")
				fmt.Println(payload.Encode())
				fmt.Println("code:", payload.Code)
				fmt.Fprintln(os.Stderr, "waiting for sender, Ctrl-C to stop")

				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				select {
				case err := <-errCh:
					return err
				case <-sigCh:
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <payload> <id>...",
		Short: "Send items to a paired receiver",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				payload, err := transfer.DecodePairingPayload(args[0])
				if err != nil {
					return err
				}
				sess, err := e.JoinPairing(ctx, payload)
				if err != nil {
					return err
				}
				defer sess.Close()

				ids := args[1:]
				if err := e.Send(ctx, sess, ids); err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Printf("%s\t%s\n", id, sess.State(id))
				}
				return nil
			})
		},
	}
}
