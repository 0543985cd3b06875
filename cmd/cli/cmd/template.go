package cmd

import (
	"errors"
	"fmt"
	"os"

	"clinicflow/pkg/api"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage workflow templates",
	Long:  `Create drafts from graph documents, publish them as immutable versions, and inspect or deactivate published versions.`,
}

var templateCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a draft template from a graph document",
	Long: `Create a draft template from a YAML or JSON graph document.

Example:
  flowctl template create -f lead-followup.yaml --key lead-followup --trigger lead.created
  flowctl template create -f reminder.json --key reminder --trigger appointment.booked --scope-kind clinic --scope-id <clinic-id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		file, _ := flags.GetString("file")
		key, _ := flags.GetString("key")
		trigger, _ := flags.GetString("trigger")
		createdBy, _ := flags.GetString("created-by")

		if file == "" {
			return errors.New("--file is required")
		}
		if key == "" {
			return errors.New("--key is required")
		}
		if trigger == "" {
			return errors.New("--trigger is required")
		}

		doc, err := readDocument(file)
		if err != nil {
			return err
		}

		result, err := newClient().CreateTemplate(api.CreateTemplateRequest{
			Key:         key,
			TriggerType: trigger,
			Scope:       scopeFromFlags(cmd),
			Document:    doc,
			CreatedBy:   createdBy,
		})
		if err != nil {
			return err
		}

		cmd.Printf("✓ Draft created!\nTemplate ID: %s\n", result.TemplateID)
		cmd.Printf("Publish it with: flowctl template publish %s\n", result.TemplateID)
		return nil
	},
}

// readDocument loads a graph document and checks it is well-formed YAML
// (JSON included) before it is sent; the controller validates the graph.
func readDocument(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("%s is not a valid graph document: %w", path, err)
	}
	if _, ok := doc["nodes"]; !ok {
		return "", fmt.Errorf("%s has no nodes", path)
	}
	return string(data), nil
}

var templatePublishCmd = &cobra.Command{
	Use:   "publish [template_id]",
	Short: "Publish a draft as the next version of its key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := newClient().PublishTemplate(args[0])
		if err != nil {
			return err
		}
		cmd.Printf("✓ Template %s published as version %d\n", args[0], version)
		return nil
	},
}

var templateShowCmd = &cobra.Command{
	Use:   "show [template_id]",
	Short: "Show a template and its graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := newClient().GetTemplate(args[0])
		if err != nil {
			return err
		}

		state := "draft"
		if t.PublishedAt != nil {
			state = fmt.Sprintf("v%d, inactive", t.Version)
			if t.IsActive {
				state = fmt.Sprintf("v%d, active", t.Version)
			}
		}
		cmd.Printf("%sTemplate Details%s\n", colorBold, colorReset)
		cmd.Println("──────────────────────────────")
		cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, t.ID)
		cmd.Printf("%sKey:%s         %s (%s)\n", colorDim, colorReset, t.Key, state)
		cmd.Printf("%sTrigger:%s     %s\n", colorDim, colorReset, t.TriggerType)
		cmd.Printf("%sScope:%s       %s\n", colorDim, colorReset, formatScope(t.Scope))
		cmd.Printf("%sEntry:%s       %s\n", colorDim, colorReset, t.EntryNodeID)
		cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&t.CreatedAt))

		var graph any
		if err := yaml.Unmarshal(t.Graph, &graph); err == nil {
			out, err := yaml.Marshal(graph)
			if err == nil {
				cmd.Printf("%sGraph:%s\n%s", colorDim, colorReset, out)
			}
		}
		return nil
	},
}

var templateDeactivateCmd = &cobra.Command{
	Use:   "deactivate [template_id]",
	Short: "Stop a published version from matching new triggers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().DeactivateTemplate(args[0]); err != nil {
			return err
		}
		cmd.Printf("✓ Template %s deactivated\n", args[0])
		return nil
	},
}

func formatScope(s api.Scope) string {
	if s.ID == "" {
		return s.Kind
	}
	return s.Kind + ":" + s.ID
}

func addScopeFlags(cmd *cobra.Command) {
	cmd.Flags().String("scope-kind", "system", "Tenant scope: system, group, clinic or unassigned")
	cmd.Flags().String("scope-id", "", "Group or clinic id for group and clinic scopes")
}

func scopeFromFlags(cmd *cobra.Command) api.Scope {
	kind, _ := cmd.Flags().GetString("scope-kind")
	id, _ := cmd.Flags().GetString("scope-id")
	return api.Scope{Kind: kind, ID: id}
}

func init() {
	rootCmd.AddCommand(templateCmd)
	templateCmd.AddCommand(templateCreateCmd, templatePublishCmd, templateShowCmd, templateDeactivateCmd)

	flags := templateCreateCmd.Flags()
	flags.StringP("file", "f", "", "Graph document, YAML or JSON (required)")
	flags.String("key", "", "Template key shared by all versions (required)")
	flags.String("trigger", "", "Trigger type that starts the template (required)")
	flags.String("created-by", "", "Author recorded on the draft")
	addScopeFlags(templateCreateCmd)
}
