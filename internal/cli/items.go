package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/digital-fte/internal/core"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

var (
	listStage string
	listOwner string
	listJSON  bool

	itemActor     string
	claimOwner    string
	resolveOwner  string
	resolveResult string
	resolveNote   string
	rejectReason  string
	triageAll     bool
)

// defaultActor names the human at the keyboard in the audit trail.
func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "human:" + u
	}
	return "human"
}

func requireQueue() error {
	if Queue == nil {
		return fmt.Errorf("vault not initialized")
	}
	return nil
}

func printMove(out io.Writer, verb string, h models.Handle) {
	rel := h.Path
	if Queue != nil {
		if r, err := filepath.Rel(Queue.Store().Root(), h.Path); err == nil {
			rel = r
		}
	}
	if Queue != nil && Queue.DryRun() {
		fmt.Fprintf(out, "[dry run] would have %s %s -> %s\n", verb, h.ID, rel)
		return
	}
	fmt.Fprintf(out, "%s %s -> %s\n", capitalize(verb), h.ID, rel)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

type listedItem struct {
	ID       string `json:"id"`
	Stage    string `json:"stage"`
	Owner    string `json:"owner,omitempty"`
	Category string `json:"category,omitempty"`
	Priority string `json:"priority,omitempty"`
	Created  string `json:"created_at,omitempty"`
	Path     string `json:"path"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List items in a stage",
	Long: `List the items in one stage of the vault, or in every stage with
--stage all. Items that fail to parse are listed without metadata.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		stages := models.AllStages
		if !strings.EqualFold(listStage, "all") {
			stage, ok := models.ParseStage(listStage)
			if !ok {
				return fmt.Errorf("unknown stage %q", listStage)
			}
			stages = []models.Stage{stage}
		}

		store := Queue.Store()
		var items []listedItem
		for _, stage := range stages {
			handles, err := store.List(stage)
			if err != nil {
				return fmt.Errorf("listing %s: %w", stage, err)
			}
			for _, h := range handles {
				if listOwner != "" && h.Owner != listOwner {
					continue
				}
				li := listedItem{ID: h.ID, Stage: string(h.Stage), Owner: h.Owner, Category: h.Category, Path: h.Path}
				if it, err := store.Read(h.Path); err == nil {
					li.Priority = string(it.Priority())
					li.Created = it.Get(models.MetaCreatedAt)
				}
				items = append(items, li)
			}
		}

		out := cmd.OutOrStdout()
		if listJSON {
			if items == nil {
				items = []listedItem{}
			}
			data, err := json.MarshalIndent(items, "", "  ")
			if err != nil {
				return fmt.Errorf("formatting items as JSON: %w", err)
			}
			fmt.Fprintln(out, string(data))
			return nil
		}

		if len(items) == 0 {
			fmt.Fprintln(out, "No items.")
			return nil
		}
		fmt.Fprintf(out, "%-32s %-18s %-14s %-10s %s\n", "ID", "STAGE", "OWNER", "PRIORITY", "CREATED")
		for _, li := range items {
			fmt.Fprintf(out, "%-32s %-18s %-14s %-10s %s\n", li.ID, li.Stage, dashIfEmpty(li.Owner), dashIfEmpty(li.Priority), dashIfEmpty(li.Created))
		}
		return nil
	},
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var claimCmd = &cobra.Command{
	Use:   "claim ID",
	Short: "Claim an item from Needs_Action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		if !core.ValidOwner(claimOwner) {
			return fmt.Errorf("invalid owner %q", claimOwner)
		}
		result, h, err := Queue.Claim(args[0], claimOwner)
		if err != nil {
			return fmt.Errorf("claiming %s: %w", args[0], err)
		}
		out := cmd.OutOrStdout()
		if result == core.AlreadyClaimed {
			if h.Owner == "" {
				fmt.Fprintf(out, "%s was claimed by another worker\n", args[0])
			} else {
				fmt.Fprintf(out, "%s is already claimed by %s\n", h.ID, h.Owner)
			}
			return &ExitCodeError{Code: ExitError}
		}
		printMove(out, "claimed", h)
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release ID",
	Short: "Return a claimed item to Needs_Action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		h, err := Queue.Release(args[0], itemActor)
		if err != nil {
			return fmt.Errorf("releasing %s: %w", args[0], err)
		}
		printMove(cmd.OutOrStdout(), "released", h)
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve ID",
	Short: "Finish work on a claimed item",
	Long: `Resolve an item held in In_Progress/<owner>. A completed outcome moves it
to Done, or to Pending_Approval when a handbook rule requires sign-off.
Approved and rejected outcomes route the item to Approved or Rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		outcome := models.Outcome(resolveResult)
		switch outcome {
		case models.OutcomeCompleted, models.OutcomeApproved, models.OutcomeRejected:
		default:
			return fmt.Errorf("invalid outcome %q: must be one of completed, approved, rejected", resolveResult)
		}
		h, err := Queue.Resolve(args[0], resolveOwner, outcome, resolveNote)
		if err != nil {
			if errors.Is(err, core.ErrNotOwner) {
				return fmt.Errorf("%s is not held by %s: %w", args[0], resolveOwner, err)
			}
			return fmt.Errorf("resolving %s: %w", args[0], err)
		}
		printMove(cmd.OutOrStdout(), "resolved", h)
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve ID",
	Short: "Approve an item waiting in Pending_Approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		h, err := Queue.Approve(args[0], itemActor)
		if err != nil {
			return fmt.Errorf("approving %s: %w", args[0], err)
		}
		printMove(cmd.OutOrStdout(), "approved", h)
		return nil
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject ID",
	Short: "Reject an item waiting in Pending_Approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		h, err := Queue.Reject(args[0], itemActor, rejectReason)
		if err != nil {
			return fmt.Errorf("rejecting %s: %w", args[0], err)
		}
		printMove(cmd.OutOrStdout(), "rejected", h)
		return nil
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete ID",
	Short: "Move an approved item to Done once it has been carried out",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		h, err := Queue.Complete(args[0], itemActor)
		if err != nil {
			return fmt.Errorf("completing %s: %w", args[0], err)
		}
		printMove(cmd.OutOrStdout(), "completed", h)
		return nil
	},
}

var triageCmd = &cobra.Command{
	Use:   "triage [ID]",
	Short: "Promote Inbox items to Needs_Action",
	Long: `Promote one item, or every item with --all, from the Inbox to
Needs_Action. Raw drop folders under the Inbox are left alone.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(args) == 1 {
			h, err := Queue.Promote(args[0], itemActor)
			if err != nil {
				return fmt.Errorf("promoting %s: %w", args[0], err)
			}
			printMove(out, "promoted", h)
			return nil
		}
		if !triageAll {
			return fmt.Errorf("pass an item ID or --all")
		}

		handles, err := Queue.Store().List(models.StageInbox)
		if err != nil {
			return fmt.Errorf("listing Inbox: %w", err)
		}
		var errs []error
		for _, h := range handles {
			moved, err := Queue.Promote(h.ID, itemActor)
			if err != nil {
				// Another process got there first; not an error for a bulk pass.
				if errors.Is(err, core.ErrConflict) || errors.Is(err, core.ErrNotFound) {
					continue
				}
				errs = append(errs, fmt.Errorf("promoting %s: %w", h.ID, err))
				continue
			}
			printMove(out, "promoted", moved)
		}
		if len(handles) == 0 {
			fmt.Fprintln(out, "Inbox is empty.")
		}
		return errors.Join(errs...)
	},
}

var readmitCmd = &cobra.Command{
	Use:   "readmit ID",
	Short: "Return a quarantined item to Needs_Action after fixing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		h, err := Queue.Readmit(args[0], itemActor)
		if err != nil {
			return fmt.Errorf("readmitting %s: %w", args[0], err)
		}
		printMove(cmd.OutOrStdout(), "readmitted", h)
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listStage, "stage", string(models.StageNeedsAction), "Stage to list, or \"all\"")
	listCmd.Flags().StringVar(&listOwner, "owner", "", "Only list items held by this owner")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output items as JSON")

	claimCmd.Flags().StringVar(&claimOwner, "owner", "", "Owner that takes the claim (required)")
	_ = claimCmd.MarkFlagRequired("owner")

	resolveCmd.Flags().StringVar(&resolveOwner, "owner", "", "Owner holding the item (required)")
	resolveCmd.Flags().StringVar(&resolveResult, "outcome", string(models.OutcomeCompleted), "completed, approved or rejected")
	resolveCmd.Flags().StringVar(&resolveNote, "note", "", "Note appended to the item")
	_ = resolveCmd.MarkFlagRequired("owner")

	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Why the item was rejected")
	triageCmd.Flags().BoolVar(&triageAll, "all", false, "Promote every item in the Inbox")

	for _, c := range []*cobra.Command{releaseCmd, approveCmd, rejectCmd, completeCmd, triageCmd, readmitCmd} {
		c.Flags().StringVar(&itemActor, "actor", defaultActor(), "Name recorded in the audit log")
	}

	rootCmd.AddCommand(listCmd, claimCmd, releaseCmd, resolveCmd, approveCmd, rejectCmd, completeCmd, triageCmd, readmitCmd)
}
