package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

type searchFlags struct {
	domain     string
	country    string
	language   string
	city       string
	state      string
	postalCode string
	device     string
	userKey    string
}

func (f *searchFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.domain, "domain", "", "domain to locate in the results (required)")
	fs.StringVar(&f.country, "country", "us", "two-letter country code")
	fs.StringVar(&f.language, "language", "en", "interface language")
	fs.StringVar(&f.city, "city", "", "city for a localized search")
	fs.StringVar(&f.state, "state", "", "state or region for a localized search")
	fs.StringVar(&f.postalCode, "postal-code", "", "postal code for a localized search")
	fs.StringVar(&f.device, "device", "desktop", "desktop, mobile or tablet")
	fs.StringVar(&f.userKey, "user-key", "", "provider key to use instead of the pool")
}

func (f *searchFlags) options() tracker.SearchOptions {
	return tracker.SearchOptions{
		Domain:         strings.TrimSpace(f.domain),
		Country:        strings.ToLower(strings.TrimSpace(f.country)),
		Language:       strings.TrimSpace(f.language),
		City:           strings.TrimSpace(f.city),
		State:          strings.TrimSpace(f.state),
		PostalCode:     strings.TrimSpace(f.postalCode),
		Device:         tracker.Device(strings.ToLower(strings.TrimSpace(f.device))),
		UserCredential: strings.TrimSpace(f.userKey),
	}
}

func newTrackCmd() *cobra.Command {
	flags := &searchFlags{}
	cmd := &cobra.Command{
		Use:   "track <keyword>",
		Short: "Look up the rank of a domain for one keyword",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			opts := flags.options()
			if err := tracker.ValidateSearch(args[0], opts); err != nil {
				return err
			}
			result, err := appInstance.Pool().TrackKeyword(cmd.Context(), args[0], opts)
			if err != nil {
				return fmt.Errorf("track: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func newBulkCmd() *cobra.Command {
	flags := &searchFlags{}
	var file string
	cmd := &cobra.Command{
		Use:   "bulk [keyword...]",
		Short: "Track many keywords in batches",
		Long: `Track keywords given as arguments and/or read from --file (one per line,
"-" for stdin). Blank lines and duplicates are dropped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			keywords := append([]string(nil), args...)
			if file != "" {
				fromFile, err := readKeywords(file)
				if err != nil {
					return err
				}
				keywords = append(keywords, fromFile...)
			}
			keywords, err = tracker.NormalizeKeywords(keywords, 0)
			if err != nil {
				return err
			}
			opts := flags.options()
			if err := tracker.ValidateSearch(keywords[0], opts); err != nil {
				return err
			}

			logger := appInstance.Logger()
			result, err := appInstance.Dispatcher().Process(cmd.Context(), keywords, opts, func(p tracker.Progress) {
				logger.Info("bulk progress",
					zap.Int("processed", p.Processed),
					zap.Int("total", p.Total),
					zap.Int("failed", p.Failed),
					zap.Int("retry_attempt", p.RetryAttempt))
			})
			if printErr := printJSON(cmd.OutOrStdout(), result); printErr != nil {
				return printErr
			}
			return err
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().StringVar(&file, "file", "", "file with one keyword per line (- for stdin)")
	return cmd
}

func readKeywords(path string) ([]string, error) {
	f := os.Stdin
	if path != "-" {
		var err error
		f, err = os.Open(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("open keyword file: %w", err)
		}
		defer f.Close() //nolint:errcheck // read-only
	}
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read keyword file: %w", err)
	}
	return out, nil
}

func newResultsCmd() *cobra.Command {
	var filter tracker.ResultFilter
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List stored lookups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			results, err := appInstance.Results().ListResults(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list results: %w", err)
			}
			if results == nil {
				results = []tracker.SearchResult{}
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().StringVar(&filter.Keyword, "keyword", "", "exact keyword, case-insensitive")
	cmd.Flags().StringVar(&filter.Domain, "domain", "", "domain substring")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum rows (default 100)")
	return cmd
}
