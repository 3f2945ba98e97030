// Blueprint commands: inspect and hand-edit a domain's extraction rules.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var blueprintCmd = &cobra.Command{
	Use:   "blueprint",
	Short: "Inspect or edit a domain's extraction blueprint",
}

var blueprintShowCmd = &cobra.Command{
	Use:   "show [domain]",
	Short: "Print the stored blueprint for a domain",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlueprintShow,
}

var blueprintSetContentCmd = &cobra.Command{
	Use:   "set-content-selector [domain] [selector]",
	Short: "Override the content selector when inference keeps missing",
	Args:  cobra.ExactArgs(2),
	RunE:  runBlueprintSetContent,
}

var blueprintDropCmd = &cobra.Command{
	Use:   "drop [domain]",
	Short: "Delete a domain's blueprint so the next add re-learns it",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlueprintDrop,
}

func init() {
	blueprintCmd.AddCommand(blueprintShowCmd)
	blueprintCmd.AddCommand(blueprintSetContentCmd)
	blueprintCmd.AddCommand(blueprintDropCmd)
}

func runBlueprintShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	bp, err := st.GetBlueprint(args[0])
	if err != nil {
		return err
	}
	if bp == nil {
		return fmt.Errorf("no blueprint for %s", args[0])
	}

	fmt.Printf("Domain:             %s\n", bp.Domain)
	fmt.Printf("Version:            %d\n", bp.Version)
	fmt.Printf("List strategy:      %s\n", bp.ListStrategy)
	fmt.Printf("Chapter selector:   %s\n", bp.ChapterSelector)
	fmt.Printf("Content selector:   %s\n", orUnset(bp.ContentSelector))
	fmt.Printf("Next-page selector: %s\n", orUnset(bp.NextPageSelector))
	fmt.Printf("Trigger selector:   %s\n", orUnset(bp.TriggerSelector))
	fmt.Printf("Wait strategy:      %s\n", bp.WaitStrategy)
	fmt.Printf("Last validated:     %s\n", bp.LastValidated.Format("2006-01-02 15:04:05"))
	return nil
}

func runBlueprintSetContent(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SetContentSelector(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Content selector for %s set to %q.\n", args[0], args[1])
	return nil
}

func runBlueprintDrop(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.InvalidateBlueprint(args[0]); err != nil {
		return err
	}
	fmt.Printf("Blueprint for %s dropped.\n", args[0])
	return nil
}

func orUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}
