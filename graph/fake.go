package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/topiary-social/topiary/models"
)

// FakeClient is an in-memory Client for tests. Fields are safe for
// concurrent use once populated via the setters.
type FakeClient struct {
	mu         sync.Mutex
	posts      map[string]*Post
	comments   map[string][]*Comment
	collectors map[string][]string
	balances   map[string]float64
	content    map[string][]byte
	nextURI    int

	RefreshErr      error
	RefreshedPosts  []string
	StoredDocuments [][]byte
}

var _ Client = (*FakeClient)(nil)

func NewFakeClient() *FakeClient {
	return &FakeClient{
		posts:      make(map[string]*Post),
		comments:   make(map[string][]*Comment),
		collectors: make(map[string][]string),
		balances:   make(map[string]float64),
		content:    make(map[string][]byte),
	}
}

func (f *FakeClient) AddPost(p *Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[p.ID] = p
}

func (f *FakeClient) AddComment(postID string, c *Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[postID] = append(f.comments[postID], c)
}

func (f *FakeClient) SetCollectors(postID string, collectors []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collectors[postID] = collectors
}

func (f *FakeClient) SetBalance(account string, balance float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[account] = balance
}

func (f *FakeClient) GetPost(ctx context.Context, postID string) (*Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[postID]
	if !ok {
		return nil, ErrPostNotFound
	}
	return p, nil
}

func (f *FakeClient) GetComments(ctx context.Context, postID string) ([]*Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.comments[postID], nil
}

func (f *FakeClient) GetCollectors(ctx context.Context, postID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.collectors[postID], nil
}

func (f *FakeClient) TokenBalance(ctx context.Context, token *models.TokenRef, account string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[account], nil
}

func (f *FakeClient) RefreshMetadata(ctx context.Context, postID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RefreshErr != nil {
		return f.RefreshErr
	}
	f.RefreshedPosts = append(f.RefreshedPosts, postID)
	return nil
}

func (f *FakeClient) ResolveContent(ctx context.Context, uri string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.content[uri]
	if !ok {
		return nil, ErrPostNotFound
	}
	return data, nil
}

func (f *FakeClient) StoreContent(ctx context.Context, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextURI++
	uri := fmt.Sprintf("fake://content/%d", f.nextURI)
	f.content[uri] = data
	f.StoredDocuments = append(f.StoredDocuments, data)
	return uri, nil
}
