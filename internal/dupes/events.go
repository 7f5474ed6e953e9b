package dupes

import "volscan/internal/tree"

// Event is a change to the set of duplicate groups.
type Event interface {
	isEvent()
}

// GroupCreated is followed by one MemberAdded per initial member.
type GroupCreated struct {
	Group GroupKey
}

type MemberAdded struct {
	Group GroupKey
	File  File
}

type MemberRemoved struct {
	Group  GroupKey
	Handle tree.Handle
}

// GroupRemoved follows the MemberRemoved events of a dissolved group.
type GroupRemoved struct {
	Group GroupKey
}

func (GroupCreated) isEvent()  {}
func (MemberAdded) isEvent()   {}
func (MemberRemoved) isEvent() {}
func (GroupRemoved) isEvent()  {}
