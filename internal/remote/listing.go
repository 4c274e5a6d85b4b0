package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"subsync/client/internal/storage"
)

// maxMoreChildren bounds the ids sent in one morechildren request.
const maxMoreChildren = 100

// Page is one fetched page of a listing.
type Page struct {
	Rows []storage.SessionRow
	// More is the continuation key for the next page; empty when exhausted.
	More string
}

type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type listingData struct {
	After    *string    `json:"after"`
	Children []envelope `json:"children"`
}

type thingData struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Subreddit         string          `json:"subreddit"`
	Author            string          `json:"author"`
	Title             string          `json:"title"`
	Subject           string          `json:"subject"`
	DisplayName       string          `json:"display_name"`
	PublicDescription string          `json:"public_description"`
	Selftext          string          `json:"selftext"`
	Body              string          `json:"body"`
	URL               string          `json:"url"`
	Score             int             `json:"score"`
	Ups               int             `json:"ups"`
	Downs             int             `json:"downs"`
	Likes             *bool           `json:"likes"`
	NumComments       int             `json:"num_comments"`
	Saved             bool            `json:"saved"`
	Hidden            bool            `json:"hidden"`
	New               bool            `json:"new"`
	CreatedUTC        float64         `json:"created_utc"`
	Depth             *int            `json:"depth"`
	Replies           json.RawMessage `json:"replies"`
	Children          []string        `json:"children"`
}

func (d thingData) nesting(depth int) int {
	if d.Depth != nil {
		return *d.Depth
	}
	return depth
}

func (d thingData) record(prefix string, kind storage.ThingKind) storage.Record {
	name := d.Name
	if name == "" && d.ID != "" {
		name = prefix + "_" + d.ID
	}
	record := storage.Record{
		ThingID:     name,
		Kind:        kind,
		Subreddit:   d.Subreddit,
		Author:      d.Author,
		URL:         d.URL,
		Score:       d.Score,
		Ups:         d.Ups,
		Downs:       d.Downs,
		NumComments: d.NumComments,
		Saved:       d.Saved,
		Hidden:      d.Hidden,
		New:         d.New,
		CreatedUTC:  int64(d.CreatedUTC),
	}
	if d.Likes != nil {
		if *d.Likes {
			record.Likes = 1
		} else {
			record.Likes = -1
		}
	}
	switch kind {
	case storage.ThingLink:
		record.Title, record.Body = d.Title, d.Selftext
	case storage.ThingMessage:
		record.Title, record.Body = d.Subject, d.Body
	case storage.ThingSubreddit:
		record.Title, record.Body = d.DisplayName, d.PublicDescription
	default:
		record.Body = d.Body
	}
	return record
}

var thingKinds = map[string]storage.ThingKind{
	"t1": storage.ThingComment,
	"t3": storage.ThingLink,
	"t4": storage.ThingMessage,
	"t5": storage.ThingSubreddit,
}

// parseContext accumulates one parse. Each parse owns its own context.
type parseContext struct {
	rows     []storage.SessionRow
	after    string
	children []string
}

func (p *parseContext) walk(env envelope, depth int) error {
	switch env.Kind {
	case "Listing":
		var data listingData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return fmt.Errorf("decode listing: %w", err)
		}
		if data.After != nil && *data.After != "" {
			p.after = *data.After
		}
		for _, child := range data.Children {
			if err := p.walk(child, depth); err != nil {
				return err
			}
		}
	case "t1", "t3", "t4", "t5":
		var data thingData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		nesting := data.nesting(depth)
		p.rows = append(p.rows, storage.SessionRow{
			Nesting: nesting,
			Record:  data.record(env.Kind, thingKinds[env.Kind]),
		})
		replies := bytes.TrimSpace(data.Replies)
		if len(replies) > 0 && replies[0] == '{' {
			var child envelope
			if err := json.Unmarshal(replies, &child); err != nil {
				return fmt.Errorf("decode replies: %w", err)
			}
			return p.walk(child, nesting+1)
		}
	case "more":
		var data thingData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return fmt.Errorf("decode more: %w", err)
		}
		if data.nesting(depth) == 0 {
			p.children = append(p.children, data.Children...)
		}
	}
	return nil
}

func (p *parseContext) page() Page {
	page := Page{Rows: p.rows, More: p.after}
	if page.Rows == nil {
		page.Rows = []storage.SessionRow{}
	}
	if page.More == "" && len(p.children) > 0 {
		page.More = strings.Join(p.children, ",")
	}
	return page
}

// ParseListing decodes a listing response. A comments response is an array
// of two listings: the link and then its comment tree.
func ParseListing(raw []byte) (Page, error) {
	raw = bytes.TrimSpace(raw)
	var envelopes []envelope
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &envelopes); err != nil {
			return Page{}, fmt.Errorf("decode listing array: %w", err)
		}
	} else {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return Page{}, fmt.Errorf("decode listing: %w", err)
		}
		envelopes = []envelope{env}
	}

	var p parseContext
	for _, env := range envelopes {
		if err := p.walk(env, 0); err != nil {
			return Page{}, err
		}
	}
	return p.page(), nil
}

// ParseMoreChildren decodes a morechildren response. rest holds the ids left
// over from the request and stays in the continuation key.
func ParseMoreChildren(raw []byte, rest []string) (Page, error) {
	var out thingsResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Page{}, fmt.Errorf("decode morechildren: %w", err)
	}
	if err := out.err(); err != nil {
		return Page{}, err
	}
	p := parseContext{children: append([]string{}, rest...)}
	for _, thing := range out.JSON.Data.Things {
		if err := p.walk(thing, 0); err != nil {
			return Page{}, err
		}
	}
	return p.page(), nil
}

func splitChildren(more string) ([]string, []string) {
	ids := strings.Split(more, ",")
	batch := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			batch = append(batch, id)
		}
	}
	if len(batch) <= maxMoreChildren {
		return batch, nil
	}
	return batch[:maxMoreChildren], batch[maxMoreChildren:]
}
