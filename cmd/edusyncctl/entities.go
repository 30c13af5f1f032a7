package main

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edudirectory/edusync/pkg/hybrid"
	"github.com/edudirectory/edusync/pkg/records"
)

var (
	entitySync    bool
	searchType    string
	searchText    string
	searchFilters []string
	searchLimit   int
	searchSync    bool
	refreshForce  bool
)

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Read directory entities",
}

var entityGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Get one entity through the hybrid read path",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntityGet,
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search entities by text and field filters",
	Example: `  edusyncctl search --type university --q lahore
  edusyncctl search --type deadline --filter programId=prog-1 --limit 5`,
	RunE: runSearch,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <entity-type|all>",
	Short: "Reload an entity type from the remote store into the cache",
	Args:  cobra.ExactArgs(1),
	RunE:  runRefresh,
}

func init() {
	entityGetCmd.Flags().BoolVar(&entitySync, "sync", false, "Read only the memory cache and the snapshot")
	entityCmd.AddCommand(entityGetCmd)

	searchCmd.Flags().StringVar(&searchType, "type", "", "Entity type (default all types)")
	searchCmd.Flags().StringVar(&searchText, "q", "", "Free-text query")
	searchCmd.Flags().StringArrayVar(&searchFilters, "filter", nil, "Field filter as key=value (repeatable)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "Maximum number of records")
	searchCmd.Flags().BoolVar(&searchSync, "sync", false, "Read only the memory cache and the snapshot")

	refreshCmd.Flags().BoolVar(&refreshForce, "force", false, "Bypass the refresh throttle (reviewer only)")
}

func runEntityGet(cmd *cobra.Command, args []string) error {
	client := newClient()

	path := apiPath("/entities/%s", url.PathEscape(args[0]))
	if entitySync {
		path += "?sync=true"
	}
	var res hybrid.EntityResult
	if err := client.getJSON(path, &res); err != nil {
		return err
	}

	if structured() {
		return printOutput(res)
	}
	if res.Record == nil {
		return fmt.Errorf("entity %s not found (source %s)", args[0], res.Source)
	}

	fmt.Printf("%s %s (version %d, source %s", res.Record.EntityType, res.Record.ID, res.Record.Version, res.Source)
	if res.Stale {
		fmt.Print(", stale")
	}
	fmt.Println(")")

	keys := make([]string, 0, len(res.Record.Fields))
	for k := range res.Record.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, truncate(fieldString(res.Record.Fields, k), 60)})
	}
	printTable([]string{"Field", "Value"}, rows)
	return nil
}

// searchValues builds the search query string from the command flags.
func searchValues(entityType, text string, filters []string, limit int, sync bool) (url.Values, error) {
	v := url.Values{}
	if entityType != "" {
		v.Set("type", entityType)
	}
	if text != "" {
		v.Set("q", text)
	}
	for _, f := range filters {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q, expected key=value", f)
		}
		v.Set(key, value)
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	if sync {
		v.Set("sync", "true")
	}
	return v, nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	client := newClient()

	v, err := searchValues(searchType, searchText, searchFilters, searchLimit, searchSync)
	if err != nil {
		return err
	}
	var res struct {
		Records    []records.StaticRecord `json:"records"`
		Size       int                    `json:"size"`
		DataSource hybrid.DataSource      `json:"dataSource"`
		Stale      bool                   `json:"stale"`
	}
	if err := client.getJSON(apiPath("/search?%s", v.Encode()), &res); err != nil {
		return err
	}

	if structured() {
		return printOutput(res)
	}

	rows := make([][]string, len(res.Records))
	for i, r := range res.Records {
		rows[i] = []string{
			r.ID,
			r.EntityType,
			truncate(fieldString(r.Fields, "name"), 40),
			strconv.FormatInt(r.Version, 10),
		}
	}
	printTable([]string{"ID", "Type", "Name", "Version"}, rows)
	stale := ""
	if res.Stale {
		stale = ", stale"
	}
	fmt.Printf("\n%d record(s) from %s%s\n", res.Size, res.DataSource, stale)
	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	client := newClient()

	path := apiPath("/refresh/%s", url.PathEscape(args[0]))
	if refreshForce {
		path += "?force=true"
	}
	var res struct {
		Results []hybrid.RefreshResult `json:"results"`
	}
	if err := client.postJSON(path, nil, &res); err != nil {
		return err
	}

	if structured() {
		return printOutput(res)
	}

	rows := make([][]string, len(res.Results))
	for i, r := range res.Results {
		status := "refreshed"
		switch {
		case r.Error != "":
			status = "error: " + truncate(r.Error, 50)
		case r.Skipped:
			status = "skipped (retry after " + r.RetryAfter.String() + ")"
		}
		rows[i] = []string{r.EntityType, strconv.Itoa(r.Loaded), r.Duration.String(), status}
	}
	printTable([]string{"Type", "Loaded", "Duration", "Status"}, rows)
	return nil
}

func fieldString(fields records.JSONAny, key string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
