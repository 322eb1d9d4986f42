package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deicod/odm/internal/odm/driver"
	"github.com/deicod/odm/internal/odm/mapping"
)

func newInspectCmd() *cobra.Command {
	var (
		dir   string
		class string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the metadata derived from YAML mapping files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := loadProjectConfig(".")
				if err != nil {
					return wrapError("inspect: read project config", err, "Fix the syntax of odm.yaml.", 1)
				}
				dir = cfg.mappingDir(".")
			}
			logVerbose(cmd, "reading mappings from %s", dir)
			d, err := driver.OpenYAMLDir(dir)
			if err != nil {
				return wrapError(fmt.Sprintf("inspect: read mappings in %s", dir), err, "Pass --mapping with the directory holding *.odm.yaml files.", 1)
			}
			factory := mapping.NewFactory(d)
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if err := printClasses(ctx, out, d, factory, class); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			fmt.Fprintf(out, "watching %s for changes (Ctrl+C to stop)\n", dir)
			return d.Watch(ctx, func(classes []string, err error) {
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "inspect: %v\n", err)
					return
				}
				logVerbose(cmd, "changed: %s", strings.Join(classes, ", "))
				if err := factory.Evict(ctx, classes...); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "inspect: %v\n", err)
				}
				for _, name := range classes {
					if d.Source(name) == "" {
						fmt.Fprintf(out, "removed %s\n", name)
						continue
					}
					if class != "" && !matchesClass(name, class) {
						continue
					}
					cm, err := factory.MetadataFor(ctx, name)
					if err != nil {
						fmt.Fprintln(cmd.ErrOrStderr(), describe(err))
						continue
					}
					printClass(out, cm, d.Source(name))
				}
			})
		},
	}
	cmd.Flags().StringVar(&dir, "mapping", "", "Directory holding *.odm.yaml mapping files (defaults to mapping.dir in odm.yaml)")
	cmd.Flags().StringVar(&class, "class", "", "Only print the named class")
	cmd.Flags().BoolVar(&watch, "watch", false, "Re-print classes whenever their mapping files change")
	return cmd
}

func matchesClass(name, filter string) bool {
	return name == filter || strings.HasSuffix(name, "."+filter)
}

func printClasses(ctx context.Context, out io.Writer, d *driver.YAMLDriver, factory *mapping.Factory, class string) error {
	if class != "" {
		cm, err := factory.MetadataFor(ctx, class)
		if err != nil {
			return mappingError("inspect", err, "Run `odm inspect` without --class to list mapped classes.")
		}
		printClass(out, cm, d.Source(cm.Name))
		return nil
	}
	classes, err := factory.AllMetadata(ctx)
	if err != nil {
		return mappingError("inspect", err, "Fix the mapping file named above.")
	}
	if len(classes) == 0 {
		fmt.Fprintln(out, "no mapped classes found")
		return nil
	}
	for i, cm := range classes {
		if i > 0 {
			fmt.Fprintln(out)
		}
		printClass(out, cm, d.Source(cm.Name))
	}
	return nil
}

func printClass(out io.Writer, cm *mapping.ClassMetadata, source string) {
	header := cm.Name
	if source != "" {
		header += " (" + source + ")"
	}
	fmt.Fprintln(out, header)
	if cm.IsEmbeddedDocument {
		fmt.Fprintln(out, "  embedded document")
	} else {
		fmt.Fprintf(out, "  collection: %s\n", cm.Collection)
		if cm.Identifier != "" {
			fmt.Fprintf(out, "  identifier: %s (%s)\n", cm.Identifier, cm.GeneratorType)
		}
	}
	if cm.CustomRepositoryClassName != "" {
		fmt.Fprintf(out, "  repository: %s\n", cm.CustomRepositoryClassName)
	}
	if cm.DiscriminatorField != "" {
		fmt.Fprintf(out, "  discriminator: %s", cm.DiscriminatorField)
		if cm.DiscriminatorValue != "" {
			fmt.Fprintf(out, "=%s", cm.DiscriminatorValue)
		}
		fmt.Fprintln(out)
		values := make([]string, 0, len(cm.DiscriminatorMap))
		for v := range cm.DiscriminatorMap {
			values = append(values, v)
		}
		sort.Strings(values)
		for _, v := range values {
			fmt.Fprintf(out, "    %s -> %s\n", v, cm.DiscriminatorMap[v])
		}
	}

	tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	for _, name := range cm.FieldNames() {
		m, _ := cm.GetFieldMapping(name)
		fmt.Fprintf(tw, "    %s\t%s\t%s\t%s\n", m.FieldName, m.Name, fieldKind(m), fieldFlags(m))
	}
	tw.Flush()
}

func fieldKind(m mapping.FieldMapping) string {
	if !m.IsAssociation() {
		return m.Type
	}
	kind := m.Association.String()
	if m.TargetDocument != "" {
		kind += " " + m.TargetDocument
	}
	return kind
}

var cascadeOrder = []string{
	mapping.CascadePersist,
	mapping.CascadeRemove,
	mapping.CascadeRefresh,
	mapping.CascadeMerge,
	mapping.CascadeDetach,
	mapping.CascadeCallbacks,
}

func fieldFlags(m mapping.FieldMapping) string {
	var flags []string
	var cascades []string
	for _, op := range cascadeOrder {
		if m.HasCascade(op) {
			cascades = append(cascades, op)
		}
	}
	if len(cascades) > 0 {
		flags = append(flags, "cascade="+strings.Join(cascades, ","))
	}
	if m.Simple {
		flags = append(flags, "simple")
	}
	if m.MappedBy != "" {
		flags = append(flags, "mappedBy="+m.MappedBy)
	}
	if m.InversedBy != "" {
		flags = append(flags, "inversedBy="+m.InversedBy)
	}
	if m.DiscriminatorField != "" {
		flags = append(flags, "discriminator="+m.DiscriminatorField)
	}
	if m.OrphanRemoval {
		flags = append(flags, "orphanRemoval")
	}
	if m.Nullable {
		flags = append(flags, "nullable")
	}
	if m.NotSaved {
		flags = append(flags, "notSaved")
	}
	return strings.Join(flags, " ")
}
