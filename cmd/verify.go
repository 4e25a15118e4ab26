package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/hanzo/internal/manifest"
	"github.com/tanq16/hanzo/internal/output"
	"github.com/tanq16/hanzo/internal/store"
	"github.com/tanq16/hanzo/internal/verify"
	"github.com/tanq16/hanzo/utils"
	"golang.org/x/sync/errgroup"
)

type auditState int

const (
	auditOK auditState = iota
	auditNoDigest
	auditBad
)

type auditResult struct {
	state auditState
	note  string
}

func newVerifyCmd() *cobra.Command {
	var dir string
	var auditWorkers int
	cmd := &cobra.Command{
		Use:   "verify <manifest>",
		Short: "Audit local bundle files against the manifest without downloading",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			utils.InitLogger(debug)
			m, err := manifest.Load(args[0])
			if err != nil {
				output.PrintError(fmt.Sprintf("Could not load manifest: %v", err))
				os.Exit(1)
			}
			s, err := store.New(dir)
			if err != nil {
				output.PrintError("Could not open destination directory")
				os.Exit(1)
			}

			results := make([]auditResult, len(m.Files))
			g, _ := errgroup.WithContext(context.Background())
			g.SetLimit(auditWorkers)
			for i, e := range m.Files {
				g.Go(func() error {
					results[i] = auditFile(s, e)
					return nil
				})
			}
			g.Wait()

			bad := 0
			for i, e := range m.Files {
				r := results[i]
				switch r.state {
				case auditOK:
					output.PrintSuccess(fmt.Sprintf("%s %s", output.StyleSymbols["pass"], e.Name))
				case auditNoDigest:
					output.PrintWarning(fmt.Sprintf("%s %s %s", output.StyleSymbols["warning"], e.Name, r.note))
				case auditBad:
					bad++
					output.PrintError(fmt.Sprintf("%s %s %s", output.StyleSymbols["fail"], e.Name, r.note))
				}
			}
			fmt.Println()
			if bad == 0 {
				output.PrintSuccess2(fmt.Sprintf("All %d files present", len(m.Files)))
				return
			}
			output.PrintError(fmt.Sprintf("%d of %d files missing or corrupt", bad, len(m.Files)))
			os.Exit(1)
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "Directory holding the bundle")
	cmd.Flags().IntVarP(&auditWorkers, "workers", "w", 4, "Number of files to hash in parallel")
	return cmd
}

func auditFile(s *store.Store, e manifest.Entry) auditResult {
	size, isFinal, err := s.ExistingBytes(e.Name)
	if err != nil {
		return auditResult{state: auditBad, note: err.Error()}
	}
	if !isFinal {
		if size > 0 {
			return auditResult{state: auditBad, note: fmt.Sprintf("incomplete, %s staged", utils.FormatBytes(uint64(size)))}
		}
		return auditResult{state: auditBad, note: "missing"}
	}
	if e.SizeKnown() && size != e.Size {
		return auditResult{state: auditBad, note: fmt.Sprintf("wrong size, have %d want %d", size, e.Size)}
	}
	if e.Digest == "" {
		return auditResult{state: auditNoDigest, note: "no digest in manifest, size only"}
	}
	ok, err := verify.Verify(s.FinalPath(e.Name), e.Digest)
	if err != nil {
		return auditResult{state: auditBad, note: err.Error()}
	}
	if !ok {
		return auditResult{state: auditBad, note: "digest mismatch"}
	}
	return auditResult{state: auditOK}
}
