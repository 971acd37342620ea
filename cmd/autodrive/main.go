package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	autodrive "github.com/autonomys/auto-drive-sub003"
	"github.com/autonomys/auto-drive-sub003/internal/retriever"
	"github.com/autonomys/auto-drive-sub003/pkg/cid"
)

var (
	flagConfig  string
	flagDataDir string
)

var rootCmd = &cobra.Command{
	Use:   "autodrive",
	Short: "content-addressed object store on a public ledger",
}

func loadConfig() (autodrive.Config, error) {
	var conf autodrive.Config
	if flagConfig != "" {
		c, err := autodrive.LoadConfig(flagConfig)
		if err != nil {
			return autodrive.Config{}, err
		}
		conf = c
	}
	if flagDataDir != "" {
		conf.DataDir = flagDataDir
	}
	if conf.DataDir == "" {
		conf.DataDir = "./autodrive-data"
	}
	return conf, nil
}

func openInstance(ctx context.Context) (*autodrive.AutoDrive, error) {
	conf, err := loadConfig()
	if err != nil {
		return nil, err
	}
	ad, err := autodrive.New(conf)
	if err != nil {
		return nil, err
	}
	if err := ad.Start(ctx); err != nil {
		return nil, err
	}
	return ad, nil
}

var uploadCmd = &cobra.Command{
	Use:   "upload file-path",
	Short: "upload a file and print its root cid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ad, err := openInstance(ctx)
		if err != nil {
			return err
		}
		defer ad.Close(ctx)

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		up, err := ad.CreateFileUpload(ctx, filepath.Base(args[0]), "")
		if err != nil {
			return err
		}
		if _, err := ad.WritePart(ctx, up.ID, f); err != nil {
			return err
		}
		root, err := ad.CompleteFile(ctx, up.ID)
		if err != nil {
			return err
		}
		fmt.Println(root.String())
		return nil
	},
}

var (
	flagOutput string
	flagRange  string
)

// parseRange parses "start-end" or "start-" into an inclusive range.
func parseRange(s string) (*retriever.ByteRange, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("range must be start-end or start-, got %q", s)
	}
	start, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad range start %q: %w", parts[0], err)
	}
	br := &retriever.ByteRange{Start: start}
	if parts[1] != "" {
		end, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad range end %q: %w", parts[1], err)
		}
		br.End = &end
	}
	return br, nil
}

var downloadCmd = &cobra.Command{
	Use:   "download cid",
	Short: "download an object by root cid",
	Long:  "download an object by root cid; folders come back as a zip archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		root, err := cid.Parse(args[0])
		if err != nil {
			return err
		}
		br, err := parseRange(flagRange)
		if err != nil {
			return err
		}

		ad, err := openInstance(ctx)
		if err != nil {
			return err
		}
		defer ad.Close(ctx)

		rc, err := ad.Download(ctx, root, br)
		if err != nil {
			return err
		}
		defer rc.Close()

		var out io.Writer = os.Stdout
		if flagOutput != "" {
			f, err := os.Create(flagOutput)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		_, err = io.Copy(out, rc)
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status upload-id",
	Short: "show an upload's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ad, err := openInstance(ctx)
		if err != nil {
			return err
		}
		defer ad.Close(ctx)

		up, err := ad.Upload(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("id:     %s\n", up.ID)
		fmt.Printf("type:   %s\n", up.Type)
		fmt.Printf("status: %s\n", up.Status)
		fmt.Printf("size:   %d\n", up.TotalSize)
		if up.RootCid != nil {
			fmt.Printf("cid:    %s\n", *up.RootCid)
		}
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "run until interrupted, publishing and archiving in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		ad, err := autodrive.New(conf)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return ad.Run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to yaml config")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (overrides config)")
	downloadCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "write to file instead of stdout")
	downloadCmd.Flags().StringVar(&flagRange, "range", "", "inclusive byte range, start-end or start-")
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
