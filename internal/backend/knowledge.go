package backend

import (
	"context"
	"net/http"
	"net/url"

	"github.com/user/streamchat/internal/types"
)

// CreateKnowledge stores a knowledge item.
func (c *Client) CreateKnowledge(ctx context.Context, item types.NewKnowledgeItem) (*types.KnowledgeItem, error) {
	if item.Tags == nil {
		item.Tags = []string{}
	}
	var created types.KnowledgeItem
	if err := c.do(ctx, http.MethodPost, "/knowledge/", item, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// SearchKnowledge returns the items most similar to query.
func (c *Client) SearchKnowledge(ctx context.Context, query string) ([]types.KnowledgeItem, error) {
	var items []types.KnowledgeItem
	path := "/knowledge/search?" + url.Values{"query": {query}}.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// RememberChat stores a session's transcript as a knowledge item.
func (c *Client) RememberChat(ctx context.Context, id types.SessionID) (*types.KnowledgeItem, error) {
	var item types.KnowledgeItem
	if err := c.do(ctx, http.MethodPost, "/knowledge/chat/"+url.PathEscape(string(id))+"/remember", nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}
