package domain

// Collection names one remote listing endpoint of the hierarchy.
type Collection uint8

const (
	// CollectionSpaces lists the spaces of a team.
	CollectionSpaces Collection = iota + 1
	// CollectionFolders lists the folders of a space.
	CollectionFolders
	// CollectionFolderLists lists the lists inside a folder.
	CollectionFolderLists
	// CollectionSpaceLists lists the folderless lists of a space.
	CollectionSpaceLists
	// CollectionTasks lists one page of tasks and subtasks of a list.
	CollectionTasks
)

// TaskPageSize is the number of tasks the remote service returns on a full page.
const TaskPageSize = 100

func (c Collection) String() string {
	switch c {
	case CollectionSpaces:
		return "spaces"
	case CollectionFolders:
		return "folders"
	case CollectionFolderLists:
		return "folder_lists"
	case CollectionSpaceLists:
		return "space_lists"
	case CollectionTasks:
		return "tasks"
	}
	return "unknown"
}

// Paged reports whether the collection is delivered in pages.
func (c Collection) Paged() bool { return c == CollectionTasks }

// Page is one response of a collection endpoint.
type Page struct {
	Items    []RawItem
	LastPage bool
}
