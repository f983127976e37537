package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ashureev/tutorflow/internal/cache"
	"github.com/ashureev/tutorflow/internal/domain"
	"github.com/ashureev/tutorflow/internal/tutor"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#58a6ff"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff5f87"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#00ff9f")).Padding(0, 1)
)

type globalOptions struct {
	server     string
	learnerID  string
	sessionID  string
	adminToken string
	timeout    time.Duration
	json       bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "tutorctl",
		Short:         "Operate a tutorflow server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("TUTOR_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", server, "server base URL")
	root.PersistentFlags().StringVar(&opts.learnerID, "learner", "", "learner ID to act as")
	root.PersistentFlags().StringVar(&opts.sessionID, "session", "", "session ID to act in")
	root.PersistentFlags().StringVar(&opts.adminToken, "admin-token", os.Getenv("TUTOR_ADMIN_TOKEN"), "bearer token for the cache commands")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON")

	root.AddCommand(
		newCacheCmd(opts),
		newSessionCmd(opts),
		newTurnCmd(opts),
		newProfileCmd(opts),
	)
	return root
}

func (o *globalOptions) client() *client {
	return &client{
		baseURL:    o.server,
		learnerID:  o.learnerID,
		sessionID:  o.sessionID,
		adminToken: o.adminToken,
		http:       &http.Client{Timeout: o.timeout},
	}
}

func (o *globalOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func field(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%s %v\n", labelStyle.Render(label+":"), value)
}

func newCacheCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage responder instruction caches",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List live cache entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			var out struct {
				Entries []cache.Entry `json:"entries"`
			}
			if err := opts.client().do(ctx, http.MethodGet, "/api/admin/cache/", nil, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.json {
				return printJSON(w, out)
			}
			if len(out.Entries) == 0 {
				fmt.Fprintln(w, dimStyle.Render("no cache entries"))
				return nil
			}
			for _, e := range out.Entries {
				fmt.Fprintf(w, "%s %s %s\n", titleStyle.Render(e.Model), e.Handle,
					dimStyle.Render(fmt.Sprintf("age %s ttl %s", time.Since(e.CreatedAt).Round(time.Second), e.TTL)))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "warmup",
		Short: "Create or refresh one cache per backing model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			var out struct {
				Results []struct {
					Model      string   `json:"model"`
					Handle     string   `json:"handle"`
					Responders []string `json:"responders"`
					Error      string   `json:"error"`
				} `json:"results"`
			}
			if err := opts.client().do(ctx, http.MethodPost, "/api/admin/cache/warmup", nil, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.json {
				return printJSON(w, out)
			}
			for _, r := range out.Results {
				if r.Error != "" {
					fmt.Fprintf(w, "%s %s\n", errorStyle.Render(r.Model), r.Error)
					continue
				}
				fmt.Fprintf(w, "%s %s %s\n", titleStyle.Render(r.Model), r.Handle,
					dimStyle.Render(strings.Join(r.Responders, ", ")))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "invalidate",
		Short: "Delete every cache entry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			if err := opts.client().do(ctx, http.MethodPost, "/api/admin/cache/invalidate", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render("caches invalidated"))
			return nil
		},
	})
	return cmd
}

func newSessionCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Start and end tutoring sessions",
	}

	var lessonID, displayName string
	start := &cobra.Command{
		Use:   "start",
		Short: "Start a session for a lesson",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			req := tutor.StartRequest{
				LearnerID:   opts.learnerID,
				SessionID:   opts.sessionID,
				LessonID:    lessonID,
				DisplayName: displayName,
			}
			var out map[string]any
			if err := opts.client().do(ctx, http.MethodPost, "/api/tutor/sessions", req, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.json {
				return printJSON(w, out)
			}
			field(w, "Session", out["sessionId"])
			field(w, "Learner", out["learnerId"])
			field(w, "Lesson", out["lessonId"])
			field(w, "Started", out["startedAt"])
			return nil
		},
	}
	start.Flags().StringVar(&lessonID, "lesson", "", "lesson ID")
	start.Flags().StringVar(&displayName, "name", "", "learner display name")
	_ = start.MarkFlagRequired("lesson")

	end := &cobra.Command{
		Use:   "end <session-id>",
		Short: "End a session and credit learning time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			path := "/api/tutor/sessions/" + url.PathEscape(args[0])
			if err := opts.client().do(ctx, http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render("session ended"))
			return nil
		},
	}

	cmd.AddCommand(start, end)
	return cmd
}

func newTurnCmd(opts *globalOptions) *cobra.Command {
	var (
		lessonID  string
		text      string
		mediaPath string
		mimeType  string
		start     bool
		audioOut  string
	)
	cmd := &cobra.Command{
		Use:   "turn",
		Short: "Send one learner turn",
		Long: `Send one learner turn and print the tutor's reply.

Examples:
  tutorctl turn --learner ada --session s1 --lesson fractions-1 --text "is 1/2 bigger than 1/3?"
  tutorctl turn --learner ada --session s1 --lesson fractions-1 --media drawing.png --mime image/png
  tutorctl turn --learner ada --session s1 --lesson fractions-1 --start --audio-out reply.mp3`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := tutor.TurnRequest{
				LearnerID: opts.learnerID,
				SessionID: opts.sessionID,
				LessonID:  lessonID,
				Text:      text,
				MIMEType:  mimeType,
			}
			if start {
				req.Type = tutor.TurnStart
			}
			if mediaPath != "" {
				data, err := os.ReadFile(mediaPath)
				if err != nil {
					return fmt.Errorf("read media: %w", err)
				}
				req.Media = data
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()
			var resp tutor.TurnResponse
			if err := opts.client().do(ctx, http.MethodPost, "/api/tutor/turn", req, &resp); err != nil {
				return err
			}
			if audioOut != "" && len(resp.Audio) > 0 {
				if err := os.WriteFile(audioOut, resp.Audio, 0o644); err != nil {
					return fmt.Errorf("write audio: %w", err)
				}
			}
			w := cmd.OutOrStdout()
			if opts.json {
				return printJSON(w, resp)
			}
			printTurn(w, &resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&lessonID, "lesson", "", "lesson ID")
	cmd.Flags().StringVar(&text, "text", "", "learner text")
	cmd.Flags().StringVar(&mediaPath, "media", "", "path to an audio, image or video file")
	cmd.Flags().StringVar(&mimeType, "mime", "", "MIME type of --media")
	cmd.Flags().BoolVar(&start, "start", false, "send a lesson start turn")
	cmd.Flags().StringVar(&audioOut, "audio-out", "", "write the reply audio to this file")
	_ = cmd.MarkFlagRequired("lesson")
	return cmd
}

func printTurn(w io.Writer, resp *tutor.TurnResponse) {
	header := fmt.Sprintf("%s %s", titleStyle.Render(string(resp.ResponderID)),
		dimStyle.Render(fmt.Sprintf("(%s, %s)", resp.RoutingReason, resp.TurnID)))
	fmt.Fprintln(w, header)
	if resp.Handoff != nil {
		fmt.Fprintln(w, dimStyle.Render(*resp.Handoff))
	}
	fmt.Fprintln(w, boxStyle.Render(resp.DisplayText))
	if resp.Diagram != nil {
		field(w, "Diagram", "\n"+*resp.Diagram)
	}
	if resp.TopicComplete {
		fmt.Fprintln(w, titleStyle.Render("topic complete"))
	}
	field(w, "Audio", fmt.Sprintf("%d bytes", len(resp.Audio)))
}

func newProfileCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "profile <learner-id>",
		Short: "Show a learner profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			c := opts.client()
			// Profiles are readable only by their owner.
			c.learnerID = args[0]
			var p domain.LearnerProfile
			if err := c.do(ctx, http.MethodGet, "/api/learners/"+url.PathEscape(args[0])+"/profile", nil, &p); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.json {
				return printJSON(w, p)
			}
			fmt.Fprintln(w, titleStyle.Render(p.DisplayName), dimStyle.Render(p.LearnerID))
			field(w, "Pace", p.Pace)
			if p.LearningStyle != "" {
				field(w, "Style", p.LearningStyle)
			}
			field(w, "Strengths", strings.Join(p.Strengths, ", "))
			field(w, "Struggles", strings.Join(p.Struggles, ", "))
			field(w, "Learning time", p.LearningTime.Round(time.Second))
			return nil
		},
	}
}
