// Package rpc provides Connect service implementations for the KRAI engine.
package rpc

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"

	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/search"
)

// SearchServiceQueryProcedure is the Connect procedure path for Query.
const SearchServiceQueryProcedure = "/krai.api.v1.SearchService/Query"

// Searcher is the slice of the search service the RPC surface uses.
type Searcher interface {
	Unified(ctx context.Context, req search.Request) (*search.Response, error)
}

// SearchService implements the Connect search service.
type SearchService struct {
	log      *observability.Logger
	searcher Searcher
}

// NewSearchService creates a new search service.
func NewSearchService(log *observability.Logger, searcher Searcher) *SearchService {
	return &SearchService{log: log.WithComponent("rpc"), searcher: searcher}
}

// NewSearchServiceHandler builds the HTTP handler for the service and
// returns the path to mount it on.
func NewSearchServiceHandler(svc *SearchService, opts ...connect.HandlerOption) (string, http.Handler) {
	return SearchServiceQueryProcedure, connect.NewUnaryHandler(
		SearchServiceQueryProcedure,
		svc.Query,
		opts...,
	)
}

// QueryRequest is the Connect request message.
type QueryRequest struct {
	Query      string   `json:"query"`
	Modalities []string `json:"modalities,omitempty"`
	Threshold  float64  `json:"threshold,omitempty"`
	Limit      int32    `json:"limit,omitempty"`
}

// QueryResponse is the Connect response message.
type QueryResponse struct {
	Query             string                  `json:"query"`
	Results           []*ResultMsg            `json:"results"`
	ResultsByModality map[string][]*ResultMsg `json:"results_by_modality,omitempty"`
	TotalCount        int32                   `json:"total_count"`
	ProcessingTimeMS  int64                   `json:"processing_time_ms"`
	Cached            bool                    `json:"cached,omitempty"`
}

// ResultMsg is one search match in the Connect response.
type ResultMsg struct {
	SourceID   string           `json:"source_id"`
	SourceType string           `json:"source_type"`
	DocumentID string           `json:"document_id"`
	Content    string           `json:"content"`
	Similarity float64          `json:"similarity"`
	Document   *DocumentInfoMsg `json:"document,omitempty"`
}

// DocumentInfoMsg carries document metadata for a match.
type DocumentInfoMsg struct {
	Filename     string `json:"filename"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Series       string `json:"series,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
	Version      string `json:"version,omitempty"`
}

// Query handles Connect search queries.
func (s *SearchService) Query(ctx context.Context, req *connect.Request[QueryRequest]) (*connect.Response[QueryResponse], error) {
	msg := req.Msg
	if msg.Query == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("query is required"))
	}

	resp, err := s.searcher.Unified(ctx, search.Request{
		Query:      msg.Query,
		Modalities: msg.Modalities,
		Threshold:  msg.Threshold,
		Limit:      int(msg.Limit),
	})
	if err != nil {
		switch {
		case errors.Is(err, search.ErrEmptyQuery), errors.Is(err, search.ErrUnknownModality):
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		default:
			s.log.Error().Err(err).Msg("Query failed")
			return nil, connect.NewError(connect.CodeInternal, err)
		}
	}

	return connect.NewResponse(s.toQueryResponse(resp)), nil
}

func (s *SearchService) toQueryResponse(resp *search.Response) *QueryResponse {
	out := &QueryResponse{
		Query:            resp.Query,
		Results:          make([]*ResultMsg, 0, len(resp.Results)),
		TotalCount:       int32(resp.TotalCount),
		ProcessingTimeMS: resp.ProcessingTimeMS,
		Cached:           resp.Cached,
	}
	for i := range resp.Results {
		out.Results = append(out.Results, toResultMsg(&resp.Results[i]))
	}
	if len(resp.ResultsByModality) > 0 {
		out.ResultsByModality = make(map[string][]*ResultMsg, len(resp.ResultsByModality))
		for modality, results := range resp.ResultsByModality {
			msgs := make([]*ResultMsg, 0, len(results))
			for i := range results {
				msgs = append(msgs, toResultMsg(&results[i]))
			}
			out.ResultsByModality[modality] = msgs
		}
	}
	return out
}

func toResultMsg(r *search.Result) *ResultMsg {
	msg := &ResultMsg{
		SourceID:   r.SourceID.String(),
		SourceType: r.SourceType,
		DocumentID: r.DocumentID.String(),
		Content:    r.Content,
		Similarity: r.Similarity,
	}
	if r.Document != nil {
		msg.Document = &DocumentInfoMsg{
			Filename:     r.Document.Filename,
			Manufacturer: r.Document.Manufacturer,
			Model:        r.Document.Model,
			Series:       r.Document.Series,
			DocumentType: r.Document.DocumentType,
			Version:      r.Document.Version,
		}
	}
	return msg
}
