package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiermem/internal/memory"
	"github.com/rcliao/tiermem/internal/model"
)

func init() {
	templateCmd := &cobra.Command{
		Use:   "template",
		Short: "Save and search high-quality session templates",
	}

	saveCmd := &cobra.Command{
		Use:   "save [payload]",
		Short: "Save a template (reads the payload from stdin if not given)",
		Run:   runTemplateSave,
	}
	saveCmd.Flags().StringP("category", "k", "", "Template category (required)")
	saveCmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	saveCmd.Flags().StringP("audience", "a", "", "Audience description")
	saveCmd.Flags().Float64P("quality", "q", 0, "Quality score 0-100 (required)")
	saveCmd.Flags().StringP("session", "s", "", "Originating session; logs the save in its stream")
	saveCmd.MarkFlagRequired("category")
	saveCmd.MarkFlagRequired("quality")

	findCmd := &cobra.Command{
		Use:   "find",
		Short: "Find templates similar to a query, best first",
		Run:   runTemplateFind,
	}
	addQueryFlags(findCmd)
	findCmd.Flags().IntP("limit", "n", 5, "Max results")

	suggestCmd := &cobra.Command{
		Use:   "suggest",
		Short: "Show the single best template at or above the quality threshold",
		Run:   runTemplateSuggest,
	}
	addQueryFlags(suggestCmd)

	templateCmd.AddCommand(saveCmd, findCmd, suggestCmd)
	RootCmd.AddCommand(templateCmd)
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("category", "k", "", "Category to match")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags to match")
	cmd.Flags().StringP("audience", "a", "", "Audience to match")
	cmd.Flags().Float64("min-quality", 0, "Minimum template quality score")
	cmd.Flags().Float64("min-score", 0, "Minimum similarity score 0-1")
}

func queryFromFlags(cmd *cobra.Command) memory.Query {
	category, _ := cmd.Flags().GetString("category")
	tags, _ := cmd.Flags().GetString("tags")
	audience, _ := cmd.Flags().GetString("audience")
	minQuality, _ := cmd.Flags().GetFloat64("min-quality")
	minScore, _ := cmd.Flags().GetFloat64("min-score")
	q := memory.Query{
		Category:   category,
		Tags:       splitTags(tags),
		Audience:   audience,
		MinQuality: minQuality,
		MinScore:   minScore,
	}
	if cmd.Flags().Lookup("limit") != nil {
		q.Limit, _ = cmd.Flags().GetInt("limit")
	}
	return q
}

func runTemplateSave(cmd *cobra.Command, args []string) {
	category, _ := cmd.Flags().GetString("category")
	tags, _ := cmd.Flags().GetString("tags")
	audience, _ := cmd.Flags().GetString("audience")
	quality, _ := cmd.Flags().GetFloat64("quality")
	sessionID, _ := cmd.Flags().GetString("session")

	p := memory.TemplateParams{
		Category:     category,
		Tags:         splitTags(tags),
		Audience:     audience,
		QualityScore: quality,
		Payload:      readValue(args),
		SessionID:    sessionID,
	}

	var (
		t   model.Template
		err error
	)
	if sessionID != "" {
		reg, h := attach(cmd, sessionID)
		defer reg.Close()
		t, err = h.Memory.SaveTemplate(cmd.Context(), p)
	} else {
		reg, _ := openRegistry(cmd.Context())
		defer reg.Close()
		t, err = reg.Templates().Save(cmd.Context(), p)
	}
	if err != nil {
		exitErr("save template", err)
	}
	t.Payload = nil
	printJSON(t)
}

func runTemplateFind(cmd *cobra.Command, args []string) {
	q := queryFromFlags(cmd)

	reg, _ := openRegistry(cmd.Context())
	defer reg.Close()

	matches, err := reg.Templates().FindSimilar(cmd.Context(), q)
	if err != nil {
		exitErr("find templates", err)
	}
	if textFormat() {
		for _, m := range matches {
			fmt.Printf("%.3f  %-26s q=%-5.1f %-16s %v\n",
				m.Score, m.Template.ID, m.Template.QualityScore, m.Template.Category, m.Template.Tags)
		}
		return
	}
	if matches == nil {
		matches = []model.TemplateMatch{}
	}
	printJSON(matches)
}

func runTemplateSuggest(cmd *cobra.Command, args []string) {
	q := queryFromFlags(cmd)

	reg, _ := openRegistry(cmd.Context())
	defer reg.Close()

	best, err := reg.Templates().Suggest(cmd.Context(), q)
	if err != nil {
		exitErr("suggest template", err)
	}
	if best == nil {
		fmt.Println(`{"ok":true,"suggestion":null}`)
		return
	}
	printJSON(map[string]any{"ok": true, "suggestion": best})
}
