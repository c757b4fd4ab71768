package event

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind is the stable dotted identifier of a domain event type,
// e.g. "node.created". Kinds are compared by value and never change
// once shipped.
type Kind string

const (
	KindNodeCreated      Kind = "node.created"
	KindNodeUpdated      Kind = "node.updated"
	KindNodeDeleted      Kind = "node.deleted"
	KindProductPublished Kind = "product.published"
	KindProductArchived  Kind = "product.archived"
	KindUserRegistered   Kind = "user.registered"
	KindCommentCreated   Kind = "comment.created"
)

func (k Kind) String() string { return string(k) }

func (k Kind) Valid() bool {
	switch k {
	case KindNodeCreated, KindNodeUpdated, KindNodeDeleted,
		KindProductPublished, KindProductArchived,
		KindUserRegistered, KindCommentCreated:
		return true
	default:
		return false
	}
}

// Event is the business payload of an envelope. Each kind is a concrete
// struct; validate() is checked at envelope construction so no invalid
// payload is ever persisted.
type Event interface {
	Kind() Kind
	validate() error
}

const (
	maxTitleLen = 256
	maxSlugLen  = 128
	maxSKULen   = 64
	maxEmailLen = 320
	maxBodyLen  = 8192
)

type NodeCreated struct {
	NodeID uuid.UUID `json:"node_id"`
	Title  string    `json:"title"`
	Slug   string    `json:"slug"`
}

func (e NodeCreated) Kind() Kind { return KindNodeCreated }

func (e NodeCreated) validate() error {
	if e.NodeID == uuid.Nil {
		return fmt.Errorf("%w: node_id is required", ErrValidation)
	}
	if err := boundedString("title", e.Title, maxTitleLen); err != nil {
		return err
	}
	return boundedString("slug", e.Slug, maxSlugLen)
}

type NodeUpdated struct {
	NodeID uuid.UUID `json:"node_id"`
	Title  string    `json:"title"`
}

func (e NodeUpdated) Kind() Kind { return KindNodeUpdated }

func (e NodeUpdated) validate() error {
	if e.NodeID == uuid.Nil {
		return fmt.Errorf("%w: node_id is required", ErrValidation)
	}
	return boundedString("title", e.Title, maxTitleLen)
}

type NodeDeleted struct {
	NodeID uuid.UUID `json:"node_id"`
}

func (e NodeDeleted) Kind() Kind { return KindNodeDeleted }

func (e NodeDeleted) validate() error {
	if e.NodeID == uuid.Nil {
		return fmt.Errorf("%w: node_id is required", ErrValidation)
	}
	return nil
}

type ProductPublished struct {
	ProductID  uuid.UUID `json:"product_id"`
	SKU        string    `json:"sku"`
	PriceCents int64     `json:"price_cents"`
}

func (e ProductPublished) Kind() Kind { return KindProductPublished }

func (e ProductPublished) validate() error {
	if e.ProductID == uuid.Nil {
		return fmt.Errorf("%w: product_id is required", ErrValidation)
	}
	if err := boundedString("sku", e.SKU, maxSKULen); err != nil {
		return err
	}
	if e.PriceCents < 0 {
		return fmt.Errorf("%w: price_cents must be >= 0", ErrValidation)
	}
	return nil
}

type ProductArchived struct {
	ProductID uuid.UUID `json:"product_id"`
}

func (e ProductArchived) Kind() Kind { return KindProductArchived }

func (e ProductArchived) validate() error {
	if e.ProductID == uuid.Nil {
		return fmt.Errorf("%w: product_id is required", ErrValidation)
	}
	return nil
}

type UserRegistered struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
}

func (e UserRegistered) Kind() Kind { return KindUserRegistered }

func (e UserRegistered) validate() error {
	if e.UserID == uuid.Nil {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	return boundedString("email", e.Email, maxEmailLen)
}

type CommentCreated struct {
	CommentID uuid.UUID `json:"comment_id"`
	NodeID    uuid.UUID `json:"node_id"`
	Body      string    `json:"body"`
}

func (e CommentCreated) Kind() Kind { return KindCommentCreated }

func (e CommentCreated) validate() error {
	if e.CommentID == uuid.Nil {
		return fmt.Errorf("%w: comment_id is required", ErrValidation)
	}
	if e.NodeID == uuid.Nil {
		return fmt.Errorf("%w: node_id is required", ErrValidation)
	}
	return boundedString("body", e.Body, maxBodyLen)
}

func boundedString(field, value string, max int) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	if len(value) > max {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrValidation, field, max)
	}
	return nil
}
