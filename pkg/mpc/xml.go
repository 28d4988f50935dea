package mpc

import (
	"fmt"
	"time"

	"github.com/beevik/etree"
)

// ElementName is the tag of a persisted MPC.
const ElementName = "MPC"

// ToElement renders the channel in its persisted layout.
func (m *MPC) ToElement() *etree.Element {
	el := etree.NewElement(ElementName)
	el.CreateAttr("id", m.ID)
	setTime(el, "createdAt", m.CreatedAt)
	setTime(el, "lastModifiedAt", m.LastModifiedAt)
	setTime(el, "deletedAt", m.DeletedAt)
	return el
}

// FromElement reads a channel written by ToElement.
func FromElement(el *etree.Element) (*MPC, error) {
	if el == nil || el.Tag != ElementName {
		return nil, fmt.Errorf("expected <%s> element", ElementName)
	}
	m := &MPC{ID: el.SelectAttrValue("id", "")}
	if m.ID == "" {
		return nil, fmt.Errorf("<%s> without id", ElementName)
	}
	var err error
	if m.CreatedAt, err = getTime(el, "createdAt"); err != nil {
		return nil, err
	}
	if m.LastModifiedAt, err = getTime(el, "lastModifiedAt"); err != nil {
		return nil, err
	}
	if m.DeletedAt, err = getTime(el, "deletedAt"); err != nil {
		return nil, err
	}
	return m, nil
}

func setTime(el *etree.Element, name string, t time.Time) {
	if !t.IsZero() {
		el.CreateAttr(name, t.UTC().Format(time.RFC3339Nano))
	}
}

func getTime(el *etree.Element, name string) (time.Time, error) {
	v := el.SelectAttrValue(name, "")
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", name, err)
	}
	return t, nil
}
