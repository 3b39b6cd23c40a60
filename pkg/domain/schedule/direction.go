// Package schedule selects upcoming classes per direction and keeps the shared schedule snapshot.
package schedule

import "strings"

type Emojis struct {
	Available string `yaml:"available"`
	Recorded  string `yaml:"recorded"`
	Canceled  string `yaml:"canceled"`
	Pending   string `yaml:"pending"`
}

// Direction is one bookable class stream: a room in the schedule and a category in the catalog.
type Direction struct {
	Key          string `yaml:"key" validate:"required,excludesall=:"`
	RoomTitle    string `yaml:"room_title" validate:"required"`
	Button       string `yaml:"button" validate:"required"`
	CatalogTitle string `yaml:"catalog_title"`
	Emojis       Emojis `yaml:"emojis"`
}

// Marks returns the emojis with defaults filled in.
func (d Direction) Marks() Emojis {
	e := d.Emojis
	if e.Available == "" {
		e.Available = "🚲"
	}
	if e.Recorded == "" {
		e.Recorded = "🚴"
	}
	if e.Canceled == "" {
		e.Canceled = "❌"
	}
	if e.Pending == "" {
		e.Pending = "🕒"
	}
	return e
}

type Directions []Direction

func (ds Directions) ByKey(key string) (Direction, bool) {
	for _, d := range ds {
		if d.Key == key {
			return d, true
		}
	}
	return Direction{}, false
}

// ByRoom resolves the direction of a class by its room title.
func (ds Directions) ByRoom(room string) (Direction, bool) {
	room = strings.TrimSpace(room)
	for _, d := range ds {
		if d.RoomTitle == room {
			return d, true
		}
	}
	return Direction{}, false
}
