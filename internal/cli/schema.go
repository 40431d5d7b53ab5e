package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/rules"
)

// SchemaOptions holds flags for the schema command.
type SchemaOptions struct {
	*RootOptions
	Output string // output file path
}

// SchemaDocument is the compiled deployment: entities, relationships with
// their effective delete policies, and the rule set.
type SchemaDocument struct {
	Entities      []EntityDoc          `json:"entities"`
	Relationships []RelationshipDoc    `json:"relationships"`
	Rules         []RuleDoc            `json:"rules"`
	Warnings      []rules.CycleWarning `json:"warnings,omitempty"`
}

// EntityDoc describes one entity type.
type EntityDoc struct {
	Name       string         `json:"name"`
	Attributes []AttributeDoc `json:"attributes"`
}

// AttributeDoc describes one attribute. DerivedBy names the owning rule.
type AttributeDoc struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Required  bool   `json:"required,omitempty"`
	DerivedBy string `json:"derived_by,omitempty"`
}

// RelationshipDoc describes one parent -> child relationship.
type RelationshipDoc struct {
	Name       string `json:"name"`
	Parent     string `json:"parent"`
	Child      string `json:"child"`
	ForeignKey string `json:"foreign_key"`
	OnDelete   string `json:"on_delete"`
}

// RuleDoc describes one derivation or constraint rule.
type RuleDoc struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind"` // "sum" | "count" | "formula" | "constraint"
	Entity       string   `json:"entity"`
	Target       string   `json:"target,omitempty"`
	Relationship string   `json:"relationship,omitempty"`
	Attribute    string   `json:"attribute,omitempty"`
	Filtered     bool     `json:"filtered,omitempty"`
	Inputs       []string `json:"inputs,omitempty"`
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SchemaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the compiled entity schema and rule set",
		Long: `Print the entities, relationships and rules of the loaded deployment.

Delete policies are shown after config overrides are applied. Attributes
owned by a derivation rule list the rule; callers cannot write them.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchema(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "also write the JSON document to this file")

	return cmd
}

func runSchema(opts *SchemaOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	dep, err := LoadDeployment(opts.RootOptions)
	if err != nil {
		return reportLoadError(formatter, err)
	}
	doc := BuildSchemaDocument(dep.Registry)
	doc.Warnings = dep.Warnings

	if opts.Output != "" {
		if err := writeSchemaFile(doc, opts.Output); err != nil {
			_ = formatter.Error(ErrCodeGeneric, fmt.Sprintf("writing output file: %v", err), nil)
			return WrapExitError(ExitCommandError, "failed to write schema", err)
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(doc)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ %d entities, %d relationships, %d rules\n\n", len(doc.Entities), len(doc.Relationships), len(doc.Rules))
	fmt.Fprintln(w, "Relationships:")
	for _, r := range doc.Relationships {
		fmt.Fprintf(w, "  %s: %s -> %s.%s (%s)\n", r.Name, r.Parent, r.Child, r.ForeignKey, r.OnDelete)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Rules:")
	for _, r := range doc.Rules {
		if r.Target != "" {
			fmt.Fprintf(w, "  %s: %s %s.%s\n", r.Name, r.Kind, r.Entity, r.Target)
		} else {
			fmt.Fprintf(w, "  %s: %s on %s\n", r.Name, r.Kind, r.Entity)
		}
	}
	if opts.Output != "" {
		fmt.Fprintf(w, "\nWrote schema to %s\n", opts.Output)
	}
	return nil
}

// BuildSchemaDocument describes a registry in declaration order.
func BuildSchemaDocument(reg *rules.Registry) SchemaDocument {
	s := reg.Schema()
	doc := SchemaDocument{
		Entities:      []EntityDoc{},
		Relationships: []RelationshipDoc{},
		Rules:         []RuleDoc{},
	}

	for _, name := range s.Entities() {
		e, _ := s.Entity(name)
		ed := EntityDoc{Name: name}
		for _, a := range e.Attributes {
			ad := AttributeDoc{Name: a.Name, Kind: string(a.Kind), Required: a.Required}
			if owner, ok := reg.Owner(name, a.Name); ok {
				ad.DerivedBy = owner.RuleName()
			}
			ed.Attributes = append(ed.Attributes, ad)
		}
		doc.Entities = append(doc.Entities, ed)
	}

	for _, r := range s.Relationships() {
		doc.Relationships = append(doc.Relationships, RelationshipDoc{
			Name:       r.Name,
			Parent:     r.Parent,
			Child:      r.Child,
			ForeignKey: r.ForeignKey,
			OnDelete:   string(r.OnDelete),
		})
	}

	for _, rule := range reg.Rules() {
		rd := RuleDoc{Name: rule.RuleName(), Entity: rule.OwnerEntity()}
		switch r := rule.(type) {
		case *rules.Sum:
			rd.Kind, rd.Target, rd.Relationship, rd.Attribute, rd.Filtered = "sum", r.Target, r.Relationship, r.Attribute, r.Where != nil
		case *rules.Count:
			rd.Kind, rd.Target, rd.Relationship, rd.Filtered = "count", r.Target, r.Relationship, r.Where != nil
		case *rules.Formula:
			rd.Kind, rd.Target, rd.Inputs = "formula", r.Target, r.Inputs
		case *rules.Constraint:
			rd.Kind, rd.Inputs = "constraint", r.Inputs
		}
		doc.Rules = append(doc.Rules, rd)
	}
	return doc
}

// writeSchemaFile writes the document as indented JSON.
func writeSchemaFile(doc SchemaDocument, filename string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling schema: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
