package querykey

import "strings"

// Well-known query methods.
const (
	MethodJobsList         = "jobs.list"
	MethodJobsInfo         = "jobs.info"
	MethodSearchFiles      = "search.files"
	MethodDirectoryListing = "files.directory_listing"
	MethodFileByID         = "files.by_id"
	MethodDevicesList      = "devices.list"
	MethodLocationsList    = "locations.list"
	MethodVolumesList      = "volumes.list"
	MethodLibraryInfo      = "libraries.info"
	MethodConfigApp        = "config.app.get"
)

// Resource types embedded in query results.
const (
	ResourceJob      = "job"
	ResourceFile     = "file"
	ResourceLocation = "location"
	ResourceDevice   = "device"
	ResourceVolume   = "volume"
	ResourceLibrary  = "library"
	ResourceConfig   = "config"
)

// JobsList lists jobs. A nil status lists every job.
func JobsList(status *string) Key {
	return MustNew(Spec{
		Method:       MethodJobsList,
		Input:        map[string]any{"status": status},
		ResourceType: ResourceJob,
	})
}

// LocationsList lists indexed locations.
func LocationsList() Key {
	return MustNew(Spec{Method: MethodLocationsList, ResourceType: ResourceLocation})
}

// DevicesList lists paired devices.
func DevicesList() Key {
	return MustNew(Spec{Method: MethodDevicesList, ResourceType: ResourceDevice})
}

// VolumesList lists mounted volumes.
func VolumesList() Key {
	return MustNew(Spec{Method: MethodVolumesList, ResourceType: ResourceVolume})
}

// ConfigApp reads the application configuration.
func ConfigApp() Key {
	return MustNew(Spec{Method: MethodConfigApp, ResourceType: ResourceConfig})
}

// DirectoryListing lists the direct children of dir.
func DirectoryListing(dir string) Key {
	return MustNew(Spec{
		Method:       MethodDirectoryListing,
		Input:        map[string]any{"path": CleanPath(dir)},
		ResourceType: ResourceFile,
		PathScope:    dir,
	})
}

// FileByID reads a single file. dir is the file's parent directory, so
// creations and moves inside it also refresh the entry.
func FileByID(id, dir string) Key {
	return MustNew(Spec{
		Method:       MethodFileByID,
		Input:        map[string]any{"file_id": id},
		ResourceType: ResourceFile,
		ResourceID:   id,
		PathScope:    dir,
	})
}

// SearchOptions configures a search.files query. Zero fields take the
// defaults applied by NewSearch.
type SearchOptions struct {
	Query     string
	Scope     string
	SortField string
	SortDir   string
	Mode      string
	Limit     int
	Offset    int
}

// MinSearchLength is the shortest query text that is sent to the daemon.
const MinSearchLength = 2

// SearchFiles builds a search.files key. enabled reports whether the
// trimmed query is long enough to be worth sending.
func SearchFiles(opts SearchOptions) (key Key, enabled bool) {
	if opts.SortField == "" {
		opts.SortField = "Relevance"
	}
	if opts.SortDir == "" {
		opts.SortDir = "Desc"
	}
	if opts.Mode == "" {
		opts.Mode = "Normal"
	}
	if opts.Limit <= 0 {
		opts.Limit = 1000
	}
	q := strings.TrimSpace(opts.Query)

	input := map[string]any{
		"query": q,
		"mode":  opts.Mode,
		"sort": map[string]any{
			"field":     opts.SortField,
			"direction": opts.SortDir,
		},
		"pagination": map[string]any{
			"limit":  opts.Limit,
			"offset": opts.Offset,
		},
	}
	spec := Spec{
		Method:       MethodSearchFiles,
		Input:        input,
		ResourceType: ResourceFile,
	}
	if opts.Scope != "" {
		input["scope"] = map[string]any{"path": CleanPath(opts.Scope)}
		spec.PathScope = opts.Scope
		spec.IncludeDescendants = true
	}
	return MustNew(spec), len([]rune(q)) >= MinSearchLength
}
