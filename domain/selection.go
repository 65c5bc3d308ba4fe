package domain

import (
	"bytes"
	"fmt"

	"github.com/bytedance/sonic"
)

// IDSet is a set of explicitly included ids. On the wire it is either an
// object keyed by id (values are ignored) or an array of ids.
type IDSet map[string]struct{}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s *IDSet) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	set := IDSet{}
	switch {
	case bytes.Equal(data, []byte("null")):
		*s = nil
		return nil
	case len(data) > 0 && data[0] == '[':
		var ids []string
		if err := sonic.Unmarshal(data, &ids); err != nil {
			return err
		}
		for _, id := range ids {
			set[id] = struct{}{}
		}
	default:
		var obj map[string]any
		if err := sonic.Unmarshal(data, &obj); err != nil {
			return err
		}
		for id := range obj {
			set[id] = struct{}{}
		}
	}
	*s = set
	return nil
}

// FolderSelection narrows the lists fetched under one folder.
type FolderSelection struct {
	SelectAllLists bool  `json:"selectAllLists"`
	Lists          IDSet `json:"lists"`
}

// ShouldProcess reports whether the folder's lists are fetched at all.
func (f FolderSelection) ShouldProcess() bool {
	return f.SelectAllLists || len(f.Lists) > 0
}

// FilterLists keeps the lists admitted by the folder selection.
func (f FolderSelection) FilterLists(lists []*Node) []*Node {
	return FilterChildren(lists, f.SelectAllLists, f.Lists.Has)
}

// SpaceSelection narrows the folders and folderless lists fetched under one space.
type SpaceSelection struct {
	SelectAllFolders bool                       `json:"selectAllFolders"`
	Folders          map[string]FolderSelection `json:"folders"`
	SelectAllLists   bool                       `json:"selectAllLists"`
	Lists            IDSet                      `json:"lists"`
}

func (s SpaceSelection) ShouldProcessFolders() bool {
	return s.SelectAllFolders || len(s.Folders) > 0
}

func (s SpaceSelection) ShouldProcessLists() bool {
	return s.SelectAllLists || len(s.Lists) > 0
}

func (s SpaceSelection) FilterFolders(folders []*Node) []*Node {
	return FilterChildren(folders, s.SelectAllFolders, func(id string) bool {
		_, ok := s.Folders[id]
		return ok
	})
}

func (s SpaceSelection) FilterLists(lists []*Node) []*Node {
	return FilterChildren(lists, s.SelectAllLists, s.Lists.Has)
}

// Folder returns the selection for one folder. A folder admitted only
// through selectAllFolders, with no entry of its own, keeps all its lists.
func (s SpaceSelection) Folder(id string) FolderSelection {
	if fs, ok := s.Folders[id]; ok {
		return fs
	}
	if s.SelectAllFolders {
		return FolderSelection{SelectAllLists: true}
	}
	return FolderSelection{}
}

// Selection is the user authored scope of a filtered aggregation.
type Selection struct {
	Spaces map[string]SpaceSelection `json:"spaces"`
}

// Empty is true for a missing selection or one without spaces.
func (s *Selection) Empty() bool {
	return s == nil || len(s.Spaces) == 0
}

func (s *Selection) Space(id string) (SpaceSelection, bool) {
	if s == nil {
		return SpaceSelection{}, false
	}
	sp, ok := s.Spaces[id]
	return sp, ok
}

// FilterChildren returns every node when selectAll is set, otherwise only
// the nodes whose id is included.
func FilterChildren(nodes []*Node, selectAll bool, included func(id string) bool) []*Node {
	if selectAll {
		return nodes
	}
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		if included != nil && included(n.ID) {
			out = append(out, n)
		}
	}
	return out
}

// FilterConfig is the filter section of the user settings.
type FilterConfig struct {
	Enabled   bool       `json:"enabled"`
	Selection *Selection `json:"selection"`
}

// ParseFilterConfig decodes the filter setting as returned by a settings
// store: a decoded object, a JSON string or raw JSON bytes. A nil value
// means no filter is configured.
func ParseFilterConfig(v any) (*FilterConfig, error) {
	var data []byte
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *FilterConfig:
		return t, nil
	case FilterConfig:
		return &t, nil
	case string:
		if t == "" {
			return nil, nil
		}
		data = []byte(t)
	case []byte:
		data = t
	default:
		encoded, err := sonic.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode filter config: %w", err)
		}
		data = encoded
	}
	var cfg FilterConfig
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode filter config: %w", err)
	}
	return &cfg, nil
}
