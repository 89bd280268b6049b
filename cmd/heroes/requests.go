package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	heroes "github.com/heroes-app/heroes/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	reqJSON    bool
	reqOffline bool

	// requests create
	reqCategory    string
	reqTitle       string
	reqDescription string
	reqLocation    string
	reqAt          string
	reqDuration    int
	reqMin         string
	reqMax         string
	reqCurrency    string
)

var requestsCmd = &cobra.Command{
	Use:     "requests",
	Aliases: []string{"req"},
	Short:   "Service request commands",
	Long:    "List, create and move service requests through their lifecycle. Mutations that cannot reach the backend are queued.",
}

// ============================================================================
// requests list
// ============================================================================

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active, history and available requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sess, cleanup, err := openSession(ctx, false)
		if err != nil {
			return userError(err)
		}
		defer cleanup()

		active, history, available := sess.Requests.Active(), sess.Requests.History(), sess.Requests.Available()
		if reqJSON {
			return printJSON(map[string]any{"active": active, "history": history, "available": available})
		}

		printRequests("Active", active)
		printRequests("History", history)
		if sess.Role == heroes.RoleProvider {
			printRequests("Available", available)
		}
		return nil
	},
}

func printRequests(title string, views []heroes.RequestView) {
	fmt.Printf("%s (%d):\n", title, len(views))
	for _, v := range views {
		flag := ""
		switch {
		case v.Failed:
			flag = " [failed]"
		case v.Queued:
			flag = " [queued]"
		case v.Provisional:
			flag = " [sending]"
		}
		fmt.Printf("  %-36s  %-9s  %-20s  %s-%s %s%s\n",
			v.ID, v.Status, v.Title, v.Budget.Min.StringFixed(2), v.Budget.Max.StringFixed(2), v.Budget.Currency, flag)
	}
}

func printRequest(v heroes.RequestView) error {
	if reqJSON {
		return printJSON(v)
	}
	fmt.Printf("Request %s\n", v.ID)
	fmt.Printf("  Status:   %s\n", v.Status)
	fmt.Printf("  Title:    %s\n", v.Title)
	if v.ProviderID != "" {
		fmt.Printf("  Provider: %s\n", v.ProviderID)
	}
	if v.Queued {
		fmt.Println("  Queued:   yes (will be sent when back online)")
	}
	return nil
}

// ============================================================================
// requests create
// ============================================================================

var requestsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Post a new service request",
	RunE: func(cmd *cobra.Command, args []string) error {
		minAmount, err := decimal.NewFromString(reqMin)
		if err != nil {
			return fmt.Errorf("invalid --min: %w", err)
		}
		maxAmount, err := decimal.NewFromString(reqMax)
		if err != nil {
			return fmt.Errorf("invalid --max: %w", err)
		}
		at := time.Now().Add(time.Hour).UTC()
		if reqAt != "" {
			if at, err = time.Parse(time.RFC3339, reqAt); err != nil {
				return fmt.Errorf("invalid --at (want RFC3339): %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sess, cleanup, err := openSession(ctx, reqOffline)
		if err != nil {
			return userError(err)
		}
		defer cleanup()

		view, err := sess.Requests.Create(ctx, heroes.CreateRequestInput{
			Category:        reqCategory,
			Title:           reqTitle,
			Description:     reqDescription,
			Location:        reqLocation,
			ScheduledAt:     at,
			DurationMinutes: reqDuration,
			Budget:          heroes.Budget{Min: minAmount, Max: maxAmount, Currency: reqCurrency},
		})
		if err != nil {
			return userError(err)
		}
		return printRequest(view)
	},
}

// ============================================================================
// requests cancel / start / complete
// ============================================================================

func transitionCmd(use, short string, run func(*heroes.Reconciler, context.Context, string) (heroes.RequestView, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			sess, cleanup, err := openSession(ctx, reqOffline)
			if err != nil {
				return userError(err)
			}
			defer cleanup()

			view, err := run(sess.Requests, ctx, args[0])
			if err != nil {
				return userError(err)
			}
			return printRequest(view)
		},
	}
}

var (
	requestsCancelCmd   = transitionCmd("cancel", "Cancel a pending, assigned or active request", (*heroes.Reconciler).Cancel)
	requestsStartCmd    = transitionCmd("start", "Start an assigned request", (*heroes.Reconciler).Start)
	requestsCompleteCmd = transitionCmd("complete", "Complete an active request", (*heroes.Reconciler).Complete)
)

// ============================================================================
// requests accept / acceptances / choose
// ============================================================================

var requestsAcceptCmd = &cobra.Command{
	Use:   "accept <request-id>",
	Short: "Offer to take a pending request (heroes only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sess, cleanup, err := openSession(ctx, false)
		if err != nil {
			return userError(err)
		}
		defer cleanup()

		acc, err := sess.Requests.AcceptAsProvider(ctx, args[0], "")
		if err != nil {
			return userError(err)
		}
		if reqJSON {
			return printJSON(acc)
		}
		fmt.Printf("Accepted request %s at %s\n", acc.RequestID, acc.AcceptedAt.Format(time.RFC3339))
		return nil
	},
}

var requestsAcceptancesCmd = &cobra.Command{
	Use:   "acceptances <request-id>",
	Short: "List providers who accepted a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sess, cleanup, err := openSession(ctx, false)
		if err != nil {
			return userError(err)
		}
		defer cleanup()

		accs, err := sess.Requests.ListAcceptances(ctx, args[0])
		if err != nil {
			return userError(err)
		}
		if reqJSON {
			return printJSON(accs)
		}
		fmt.Printf("Acceptances (%d):\n", len(accs))
		for _, a := range accs {
			chosen := ""
			if a.Chosen {
				chosen = " [chosen]"
			}
			fmt.Printf("  %-36s  %s%s\n", a.ProviderID, a.AcceptedAt.Format(time.RFC3339), chosen)
		}
		return nil
	},
}

var requestsChooseCmd = &cobra.Command{
	Use:   "choose <request-id> <provider-id>",
	Short: "Choose which hero takes your request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sess, cleanup, err := openSession(ctx, false)
		if err != nil {
			return userError(err)
		}
		defer cleanup()

		view, err := sess.Requests.ChooseProvider(ctx, args[0], args[1])
		if err != nil {
			return userError(err)
		}
		return printRequest(view)
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	requestsCmd.PersistentFlags().BoolVar(&reqJSON, "json", false, "Output JSON")
	requestsCmd.PersistentFlags().BoolVar(&reqOffline, "offline", false, "Queue mutations instead of sending them")

	f := requestsCreateCmd.Flags()
	f.StringVar(&reqCategory, "category", "", "Service category (required)")
	f.StringVar(&reqTitle, "title", "", "Short title (required)")
	f.StringVar(&reqDescription, "description", "", "Details")
	f.StringVar(&reqLocation, "location", "", "Where the service is needed (required)")
	f.StringVar(&reqAt, "at", "", "Scheduled time, RFC3339 (default: one hour from now)")
	f.IntVar(&reqDuration, "duration", 60, "Expected duration in minutes")
	f.StringVar(&reqMin, "min", "0", "Budget minimum")
	f.StringVar(&reqMax, "max", "0", "Budget maximum")
	f.StringVar(&reqCurrency, "currency", "USD", "ISO currency code")

	requestsCmd.AddCommand(requestsListCmd)
	requestsCmd.AddCommand(requestsCreateCmd)
	requestsCmd.AddCommand(requestsCancelCmd)
	requestsCmd.AddCommand(requestsStartCmd)
	requestsCmd.AddCommand(requestsCompleteCmd)
	requestsCmd.AddCommand(requestsAcceptCmd)
	requestsCmd.AddCommand(requestsAcceptancesCmd)
	requestsCmd.AddCommand(requestsChooseCmd)

	rootCmd.AddCommand(requestsCmd)
}
