package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/compass/internal/cache"
	"github.com/kalambet/compass/internal/compass"
	"github.com/kalambet/compass/internal/config"
	"github.com/kalambet/compass/internal/interaction"
	"github.com/kalambet/compass/internal/streak"
)

// withApp opens the client stack for the duration of fn.
func withApp(fn func(a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// --- today ---

var todayCmd = &cobra.Command{
	Use:   "today",
	Short: "Show today's prompt",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			p, err := a.store.LoadTodayPrompt(cmd.Context())
			if err != nil {
				return describe(err)
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), p)
			}
			writePrompt(cmd.OutOrStdout(), p, true)
			return nil
		})
	},
}

func writePrompt(w io.Writer, p *compass.Prompt, full bool) {
	fmt.Fprintf(w, "%s  %s\n", colorize(colorBold, p.Title), colorize(colorDim, "#"+p.Category))
	fmt.Fprintf(w, "  %s\n", p.Body)
	if !full {
		return
	}
	if p.Explanation != "" {
		fmt.Fprintf(w, "\n  %s\n", p.Explanation)
	}
	for _, tip := range p.Tips {
		fmt.Fprintf(w, "  %s %s\n", colorize(colorCyan, "→"), tip)
	}
	if e := p.UserEngagement; e != nil {
		fmt.Fprintln(w)
		if e.Completed {
			printStatus(w, "Status", "%s", colorize(colorGreen, "completed"))
		} else {
			printStatus(w, "Status", "open")
		}
		if e.Rating > 0 {
			printStatus(w, "Rating", "%s", stars(e.Rating))
		}
		if e.Reflection != "" {
			printStatus(w, "Reflection", "%s", e.Reflection)
		}
	}
}

// --- collection ---

var collectionCmd = &cobra.Command{
	Use:   "collection",
	Short: "Browse past prompts",
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		category, _ := cmd.Flags().GetString("category")
		search, _ := cmd.Flags().GetString("search")
		sortBy, _ := cmd.Flags().GetString("sort")

		f := compass.Filters{Category: category, Search: search, SortBy: compass.SortKey(sortBy)}
		switch f.SortBy {
		case "", compass.SortByDate, compass.SortByPopularity:
		default:
			return fmt.Errorf("unknown sort key %q (want date or popularity)", sortBy)
		}

		return withApp(func(a *app) error {
			c, err := a.svc.GetPromptCollection(cmd.Context(), page, f)
			if err != nil {
				return describe(err)
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), c)
			}
			w := cmd.OutOrStdout()
			if len(c.Prompts) == 0 {
				fmt.Fprintln(w, "No prompts found.")
				return nil
			}
			for _, p := range c.Prompts {
				fmt.Fprintf(w, "%s ", colorize(colorCyan, fmt.Sprintf("%5d", p.ID)))
				writePrompt(w, &p, false)
			}
			fmt.Fprintf(w, "\nPage %d of %d (%d prompts)\n", c.CurrentPage, c.TotalPages, c.TotalCount)
			return nil
		})
	},
}

func init() {
	collectionCmd.Flags().Int("page", 1, "page number")
	collectionCmd.Flags().String("category", "", "only prompts in this category")
	collectionCmd.Flags().String("search", "", "free-text search")
	collectionCmd.Flags().String("sort", "", "sort key: date or popularity")
}

// --- streak ---

var streakCmd = &cobra.Command{
	Use:   "streak",
	Short: "Show your streak and recent completions",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 || days > 90 {
			return fmt.Errorf("--days must be between 1 and 90")
		}

		return withApp(func(a *app) error {
			if !a.auth.IsAuthenticated() {
				return errors.New("sign in with `compass login` to see your streak")
			}
			st, err := a.store.FetchUserStreak(cmd.Context())
			if err != nil {
				return describe(err)
			}
			stats := streak.Derive(st)
			cal := streak.Calendar(st.StreakHistory, days, time.Now())
			if asJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{"stats": stats, "calendar": cal})
			}

			w := cmd.OutOrStdout()
			printStatus(w, "Current streak", "%d days", stats.CurrentStreak)
			printStatus(w, "Longest streak", "%d days", stats.LongestStreak)
			printStatus(w, "Progress", "%.0f%%", stats.Percentage)
			printStatus(w, "Completions", "%d", stats.TotalCompletions)
			if len(stats.Achievements) > 0 {
				names := make([]string, len(stats.Achievements))
				for i, ach := range stats.Achievements {
					names[i] = string(ach)
				}
				printStatus(w, "Achievements", "%s", strings.Join(names, ", "))
			}
			var b strings.Builder
			for _, d := range cal {
				if d.Completed {
					b.WriteString(colorize(colorGreen, "■"))
				} else {
					b.WriteString(colorize(colorDim, "□"))
				}
			}
			printStatus(w, "Last "+fmt.Sprint(days)+" days", "%s", b.String())
			return nil
		})
	},
}

func init() {
	streakCmd.Flags().Int("days", 14, "calendar length in days")
}

// --- featured / categories ---

var featuredCmd = &cobra.Command{
	Use:   "featured",
	Short: "List featured prompts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ps, err := a.svc.GetFeaturedPrompts(cmd.Context())
			if err != nil {
				return describe(err)
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), ps)
			}
			for i := range ps {
				writePrompt(cmd.OutOrStdout(), &ps[i], false)
			}
			return nil
		})
	},
}

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List prompt categories",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			cats, err := a.svc.GetPromptCategories(cmd.Context())
			if err != nil {
				return describe(err)
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), cats)
			}
			for _, c := range cats {
				fmt.Fprintln(cmd.OutOrStdout(), c)
			}
			return nil
		})
	},
}

// --- reflect / complete ---

var reflectCmd = &cobra.Command{
	Use:   "reflect <text>",
	Short: "Save a reflection draft for a prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rating, _ := cmd.Flags().GetInt("rating")
		promptID, _ := cmd.Flags().GetInt64("prompt")

		return withApp(func(a *app) error {
			sess, err := openSession(cmd, a, promptID)
			if err != nil {
				return err
			}
			defer sess.Close()

			sess.SetReflection(strings.Join(args, " "))
			if rating != 0 {
				if err := sess.SetRating(rating); err != nil {
					return err
				}
			}
			if err := sess.Flush(cmd.Context()); err != nil {
				printWarning("draft kept locally; sync failed: %v", err)
				return nil
			}
			if !a.auth.IsAuthenticated() {
				printSuccess("Draft saved locally (sign in to sync)")
				return nil
			}
			printSuccess("Reflection saved for prompt %d", sess.View().PromptID)
			return nil
		})
	},
}

func init() {
	reflectCmd.Flags().Int("rating", 0, "rating from 1 to 5")
	reflectCmd.Flags().Int64("prompt", 0, "prompt id (default: today's prompt)")
}

var completeCmd = &cobra.Command{
	Use:   "complete",
	Short: "Mark a prompt completed",
	RunE: func(cmd *cobra.Command, args []string) error {
		rating, _ := cmd.Flags().GetInt("rating")
		reflection, _ := cmd.Flags().GetString("reflection")
		promptID, _ := cmd.Flags().GetInt64("prompt")
		if rating < 1 || rating > 5 {
			return fmt.Errorf("--rating from 1 to 5 is required")
		}

		return withApp(func(a *app) error {
			sess, err := openSession(cmd, a, promptID)
			if err != nil {
				return err
			}
			defer sess.Close()

			if reflection != "" {
				sess.SetReflection(reflection)
			}
			if err := sess.SetRating(rating); err != nil {
				return err
			}

			err = sess.HandleComplete(cmd.Context())
			switch {
			case err == nil:
				printSuccess("Completed prompt %d %s", sess.View().PromptID, stars(rating))
				return nil
			case errors.Is(err, interaction.ErrQueued):
				printWarning("backend unavailable; completion queued, run `compass sync` later")
				return nil
			default:
				return describe(err)
			}
		})
	},
}

func init() {
	completeCmd.Flags().Int("rating", 0, "rating from 1 to 5 (required)")
	completeCmd.Flags().String("reflection", "", "reflection text")
	completeCmd.Flags().Int64("prompt", 0, "prompt id (default: today's prompt)")
}

func openSession(cmd *cobra.Command, a *app, promptID int64) (*interaction.Session, error) {
	if promptID <= 0 {
		p, err := a.store.LoadTodayPrompt(cmd.Context())
		if err != nil {
			return nil, describe(err)
		}
		promptID = p.ID
	}
	return a.session(promptID), nil
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send queued completions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			sent, failed, err := a.worker.Drain(cmd.Context())
			if err != nil {
				return err
			}
			pending, _ := a.queue.Pending()
			switch {
			case sent == 0 && failed == 0 && pending == 0:
				printSuccess("Nothing to sync")
			case failed > 0:
				printWarning("Sent %d, %d failed and will be retried (%d pending)", sent, failed, pending)
			default:
				printSuccess("Sent %d queued completion(s)", sent)
			}
			return nil
		})
	},
}

// --- login / logout ---

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store session tokens from the Daily Compass web sign-in",
	RunE: func(cmd *cobra.Command, args []string) error {
		idToken, _ := cmd.Flags().GetString("id-token")
		refreshToken, _ := cmd.Flags().GetString("refresh-token")
		if idToken == "" {
			return fmt.Errorf("--id-token is required")
		}

		return withApp(func(a *app) error {
			if err := a.auth.SignIn(idToken, refreshToken); err != nil {
				return err
			}
			// Anonymous copies carry no engagement.
			a.svc.InvalidateCaches()
			printSuccess("Signed in")
			return nil
		})
	},
}

func init() {
	loginCmd.Flags().String("id-token", "", "id token")
	loginCmd.Flags().String("refresh-token", "", "refresh token")
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear cached user data",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			a.store.Reset()
			if err := a.auth.SignOut(); err != nil {
				return err
			}
			printSuccess("Signed out")
			return nil
		})
	},
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete cached prompts, streak and drafts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			for _, k := range []string{cache.KeyTodayPrompt, cache.KeyUserStreak, cache.KeyReflectionDraft} {
				a.cache.Delete(k)
			}
			printSuccess("Cache cleared")
			return nil
		})
	},
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

// describe turns a classified error into a message a person can act on.
func describe(err error) error {
	switch compass.KindOf(err) {
	case compass.KindAuthRequired:
		return fmt.Errorf("%w (run `compass login`)", err)
	case compass.KindUnreachable:
		return fmt.Errorf("%w (is the Daily Compass API reachable?)", err)
	case compass.KindRateLimited:
		return fmt.Errorf("%w (try again shortly)", err)
	}
	return err
}
