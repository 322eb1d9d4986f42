// Package documents holds mapped document types shared by the mapper's tests and the
// benchmarks.
package documents

import (
	"context"
	"errors"
	"time"

	"github.com/deicod/odm/internal/odm/mapping"
	"github.com/deicod/odm/internal/odm/proxy"
)

type Album struct {
	_    mapping.Document `odm:"collection=albums"`
	ID   string           `odm:"id"`
	Name string
}

func NewAlbum(name string) *Album {
	return &Album{Name: name}
}

type Address struct {
	_       mapping.EmbeddedDocument
	Street  string
	City    string
	Country string `odm:"field,name=cc"`
}

// EmbeddedAssociationsCascadeTest embeds the same document twice; both mappings
// cascade every operation.
type EmbeddedAssociationsCascadeTest struct {
	_          mapping.Document `odm:"collection=embedded_cascade"`
	ID         string           `odm:"id"`
	Address    *Address         `odm:"embedOne"`
	AddressMin *Address         `odm:"embedOne,target=Address"`
}

// User uses a custom repository and cascades persistence to its account.
type User struct {
	_        mapping.Document `odm:"collection=users,repository=UserRepository"`
	ID       string           `odm:"id,strategy=uuid"`
	Username string
	Account  *Account        `odm:"referenceOne,cascade=all"`
	Groups   []*Group        `odm:"referenceMany,cascade=persist"`
	Manager  *proxy.Reference `odm:"referenceOne,target=User"`
}

type Account struct {
	_    mapping.Document `odm:"collection=accounts"`
	ID   string           `odm:"id"`
	Name string
}

type Group struct {
	_    mapping.Document `odm:"collection=groups"`
	ID   string           `odm:"id"`
	Name string
}

// BlogPost owns no comments in storage: they are loaded from the comments collection.
type BlogPost struct {
	_        mapping.Document `odm:"collection=posts"`
	ID       string           `odm:"id"`
	Title    string
	Comments []*Comment `odm:"referenceMany,mappedBy=Post"`
}

type Comment struct {
	_    mapping.Document `odm:"collection=comments"`
	ID   string           `odm:"id"`
	Text string
	Post *BlogPost `odm:"referenceOne,inversedBy=Comments,simple"`
}

// Playlist removes tracks that are dropped from it.
type Playlist struct {
	_      mapping.Document `odm:"collection=playlists"`
	ID     string           `odm:"id"`
	Name   string
	Tracks []*Track `odm:"referenceMany,cascade=persist,orphanRemoval"`
}

type Track struct {
	_     mapping.Document `odm:"collection=tracks"`
	ID    string           `odm:"id"`
	Title string
}

// Country uses caller-assigned identifiers.
type Country struct {
	_    mapping.Document `odm:"collection=countries"`
	Code string           `odm:"id,strategy=none"`
	Name string
}

// Order records lifecycle callbacks on itself and on its embedded lines.
type Order struct {
	_         mapping.Document `odm:"collection=orders"`
	ID        string           `odm:"id"`
	Status    string
	Lines     []OrderLine `odm:"embedMany"`
	CreatedAt time.Time
	UpdatedAt time.Time `odm:"field,nullable"`
	Events    []string  `odm:"-"`
}

var ErrEmptyOrder = errors.New("documents: order has no lines")

func (o *Order) PrePersist(context.Context) error {
	if len(o.Lines) == 0 {
		return ErrEmptyOrder
	}
	o.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	o.Events = append(o.Events, "prePersist")
	return nil
}

func (o *Order) PostPersist(context.Context) { o.Events = append(o.Events, "postPersist") }

func (o *Order) PreUpdate(context.Context) error {
	o.UpdatedAt = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	o.Events = append(o.Events, "preUpdate")
	return nil
}

func (o *Order) PostUpdate(context.Context) { o.Events = append(o.Events, "postUpdate") }

func (o *Order) PreRemove(context.Context) error {
	o.Events = append(o.Events, "preRemove")
	return nil
}

func (o *Order) PostRemove(context.Context) { o.Events = append(o.Events, "postRemove") }

func (o *Order) PostLoad(context.Context) { o.Events = append(o.Events, "postLoad") }

type OrderLine struct {
	_        mapping.EmbeddedDocument
	SKU      string `odm:"field,name=sku"`
	Quantity int
	Loaded   bool `odm:"-"`
}

func (l *OrderLine) PostLoad(context.Context) { l.Loaded = true }

// Vehicle is stored with its subclasses in one collection.
type Vehicle struct {
	_      mapping.Document `odm:"collection=vehicles,inheritance=single_collection,discriminatorField=kind,discriminatorMap=car:Car|bike:Bike"`
	ID     string           `odm:"id"`
	Wheels int
}

type Car struct {
	_      mapping.Document `odm:"collection=vehicles,inheritance=single_collection,discriminatorField=kind,discriminatorMap=car:Car|bike:Bike"`
	ID     string           `odm:"id"`
	Wheels int
	Doors  int
}

type Bike struct {
	_      mapping.Document `odm:"collection=vehicles,inheritance=single_collection,discriminatorField=kind,discriminatorMap=car:Car|bike:Bike"`
	ID     string           `odm:"id"`
	Wheels int
}

// Authored is a mapped superclass: documents embedding it inherit its identifier and
// author field.
type Authored struct {
	_        mapping.Document `odm:"mappedSuperclass"`
	ID       string           `odm:"id,strategy=uuid"`
	AuthorID string           `odm:"field,name=author"`
}

type Note struct {
	_ mapping.Document `odm:"collection=notes"`
	Authored
	Text string
}

// All returns a sample of every document type in the package.
func All() []any {
	return []any{
		Album{}, Address{}, EmbeddedAssociationsCascadeTest{}, User{}, Account{}, Group{},
		BlogPost{}, Comment{}, Playlist{}, Track{}, Country{}, Order{}, OrderLine{}, Vehicle{}, Car{}, Bike{},
		Authored{}, Note{},
	}
}
