// tabflow/rpc_server.go
// Implements the editor-facing JSON-RPC server over stdio.
package tabflow

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// RPC Server Implementation
// ============================================================================

// Server speaks the editor protocol over a jsonrpc2 connection and delegates
// all pipeline work to the Completer.
type Server struct {
	conn           *jsonrpc2.Conn
	logger         *slog.Logger
	completer      *Completer
	docs           map[string]*OpenDocument
	docsMu         sync.RWMutex
	serverInfo     *ServerInfo
	initParams     *InitializeParams
	requestTracker *RequestTracker
}

// OpenDocument is a document currently open in the editor.
type OpenDocument struct {
	ID       string
	Language string
	Text     string
	Version  int
}

// NewServer creates an RPC server around a Completer.
func NewServer(completer *Completer, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		logger:    logger,
		completer: completer,
		docs:      make(map[string]*OpenDocument),
		serverInfo: &ServerInfo{
			Name:    "tabflow",
			Version: version,
		},
		requestTracker: NewRequestTracker(),
	}
	completer.SetDocumentLookup(s.lookupDocument)
	completer.SetDeliveryObserver(s.notifySuggestionReady)
	publishExpvarMetrics(s)
	return s
}

// Run starts the server loop on the given reader/writer (usually stdio) and
// blocks until the connection closes.
func (s *Server) Run(r io.Reader, w io.Writer) {
	s.logger.Info("Starting RPC server run loop")

	stream := &stdrwc{r: r, w: w}
	objectStream := jsonrpc2.NewPlainObjectStream(stream)
	handler := jsonrpc2.HandlerWithError(s.handle)

	s.conn = jsonrpc2.NewConn(context.Background(), objectStream, handler)
	s.logger.Info("JSON-RPC connection established")

	<-s.conn.DisconnectNotify()
	s.logger.Info("JSON-RPC connection closed")
}

// stdrwc wraps stdin/stdout as a ReadWriteCloser without closing them.
type stdrwc struct {
	r io.Reader
	w io.Writer
}

func (s *stdrwc) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdrwc) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stdrwc) Close() error                { return nil }

// lookupDocument is the trigger's fallback for keystrokes without content.
func (s *Server) lookupDocument(documentID string) (text, language string, ok bool) {
	s.docsMu.RLock()
	defer s.docsMu.RUnlock()
	doc, found := s.docs[documentID]
	if !found {
		return "", "", false
	}
	return doc.Text, doc.Language, true
}

// handle routes incoming requests/notifications to their handlers.
func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (result any, err error) {
	methodLogger := s.logger.With("method", req.Method, "is_notification", req.Notif)
	isRequest := req.ID != (jsonrpc2.ID{})
	if isRequest {
		methodLogger = methodLogger.With("req_id", req.ID)
	}
	methodLogger.Debug("Received request/notification")

	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			methodLogger.Error("Panic recovered in handler", "panic_value", r, "stack", stack)

			panicMsg := fmt.Sprintf("Panic: %v", r)
			panicData, marshalErr := json.Marshal(panicMsg)
			if marshalErr != nil {
				methodLogger.Error("Failed to marshal panic message for error data", "error", marshalErr)
				panicData = json.RawMessage(`"failed to marshal panic data"`)
			}
			rawPanicData := json.RawMessage(panicData)

			err = &jsonrpc2.Error{
				Code:    int64(JsonRpcInternalError),
				Message: fmt.Sprintf("Internal server error in method %s", req.Method),
				Data:    &rawPanicData,
			}
			result = nil
		}
	}()

	// Request cancellation handling
	if isRequest {
		var cancel context.CancelFunc
		ctx, cancel = s.requestTracker.Add(req.ID, ctx)
		defer cancel()
		defer s.requestTracker.Remove(req.ID)
	}
	select {
	case <-ctx.Done():
		methodLogger.Warn("Request context cancelled before processing started", "error", ctx.Err())
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: "Request cancelled"}
	default:
	}

	unmarshalParams := func(target any) error {
		if req.Params == nil {
			return errors.New("params field is null")
		}
		return json.Unmarshal(*req.Params, target)
	}
	invalidParams := func(what string, err error) *jsonrpc2.Error {
		methodLogger.Error("Failed to unmarshal params", "what", what, "error", err)
		return &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid %s params: %v", what, err)}
	}

	switch req.Method {
	case "initialize":
		var params InitializeParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams("initialize", err)
		}
		s.initParams = &params
		return s.handleInitialize(ctx, params)

	case "initialized":
		methodLogger.Info("Client initialized notification received")
		return nil, nil

	case "shutdown":
		methodLogger.Info("Shutdown request received")
		s.completer.CancelAllRequests()
		return nil, nil

	case "exit":
		methodLogger.Info("Exit notification received")
		if s.conn != nil {
			s.conn.Close()
		}
		return nil, nil

	case "document/didOpen":
		var params DidOpenParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didOpen params", "error", err)
			return nil, nil // Ignore notification errors
		}
		return s.handleDidOpen(ctx, params)

	case "document/didChange":
		var params DidChangeParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didChange params", "error", err)
			return nil, nil
		}
		return s.handleDidChange(ctx, params)

	case "document/didClose":
		var params DidCloseParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didClose params", "error", err)
			return nil, nil
		}
		return s.handleDidClose(ctx, params)

	case "editor/keystroke":
		var params KeystrokeParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal keystroke params", "error", err)
			return nil, nil
		}
		return s.handleKeystroke(ctx, params)

	case "editor/didEdit":
		var params DidEditParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didEdit params", "error", err)
			return nil, nil
		}
		return s.handleDidEdit(ctx, params)

	case "completion/inline":
		var params InlineCompletionParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams("completion/inline", err)
		}
		return s.handleInlineCompletion(ctx, params)

	case "completion/list":
		var params ListCompletionParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams("completion/list", err)
		}
		return s.handleListCompletion(ctx, params)

	case "completion/current":
		return InlineCompletionResult{Suggestion: suggestionPayload(s.completer.CurrentSuggestion())}, nil

	case "completion/accept":
		var params AcceptParams
		if req.Params != nil {
			if err := unmarshalParams(&params); err != nil {
				return nil, invalidParams("completion/accept", err)
			}
		}
		accepted := s.completer.AcceptSuggestion(params.Partial)
		return InlineCompletionResult{Suggestion: suggestionPayload(accepted)}, nil

	case "completion/reject":
		rejected := s.completer.RejectSuggestion()
		return InlineCompletionResult{Suggestion: suggestionPayload(rejected)}, nil

	case "completion/cancelAll":
		s.completer.CancelAllRequests()
		return nil, nil

	case "prediction/next":
		var params PredictionParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams("prediction/next", err)
		}
		return s.handlePredictNext(ctx, params)

	case "prediction/navigateNext":
		return PredictionResult{Prediction: predictionPayload(s.completer.NavigateToNextPrediction())}, nil

	case "prediction/navigatePrevious":
		return PredictionResult{Prediction: predictionPayload(s.completer.NavigateToPreviousPrediction())}, nil

	case "prediction/accept":
		return PredictionResult{Prediction: predictionPayload(s.completer.AcceptPrediction())}, nil

	case "prediction/reject":
		return PredictionResult{Prediction: predictionPayload(s.completer.RejectPrediction())}, nil

	case "metrics/get":
		return MetricsResult{
			Pipeline: s.completer.GetMetrics(),
			Cache:    s.completer.GetCacheStats(),
		}, nil

	case "workspace/didChangeConfiguration":
		var params DidChangeConfigurationParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didChangeConfiguration params", "error", err)
			return nil, nil
		}
		return s.handleDidChangeConfiguration(ctx, params)

	case "$/cancelRequest":
		var params CancelParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal cancelRequest params", "error", err)
			return nil, nil
		}
		var cancelID jsonrpc2.ID
		switch idVal := params.ID.(type) {
		case float64:
			cancelID = jsonrpc2.ID{Num: uint64(idVal)}
		case string:
			cancelID = jsonrpc2.ID{Str: idVal, IsString: true}
		default:
			methodLogger.Warn("Could not determine type of cancel request ID", "id_value", params.ID, "id_type", fmt.Sprintf("%T", params.ID))
			return nil, nil
		}
		s.requestTracker.Cancel(cancelID)
		methodLogger.Info("Cancellation request processed", "cancelled_id", cancelID)
		return nil, nil

	default:
		methodLogger.Warn("Unhandled RPC method")
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcMethodNotFound), Message: fmt.Sprintf("Method not supported: %s", req.Method)}
	}
}

// ============================================================================
// Method Handlers
// ============================================================================

func (s *Server) handleInitialize(ctx context.Context, params InitializeParams) (any, error) {
	clientName := "unknown"
	if params.ClientInfo != nil {
		clientName = params.ClientInfo.Name
	}
	s.logger.Info("Handling initialize", "client", clientName)
	return InitializeResult{
		Capabilities: ServerCapabilities{
			InlineCompletion: true,
			ListCompletion:   true,
			EditPrediction:   true,
		},
		ServerInfo: s.serverInfo,
	}, nil
}

func (s *Server) handleDidOpen(ctx context.Context, params DidOpenParams) (any, error) {
	doc := params.Document
	if doc.ID == "" {
		s.logger.Warn("didOpen with empty document id ignored")
		return nil, nil
	}
	s.docsMu.Lock()
	s.docs[doc.ID] = &OpenDocument{
		ID:       doc.ID,
		Language: doc.Language,
		Text:     doc.Text,
		Version:  doc.Version,
	}
	s.docsMu.Unlock()
	s.logger.Info("Document opened", "doc", doc.ID, "language", doc.Language, "version", doc.Version, "size", len(doc.Text))
	return nil, nil
}

func (s *Server) handleDidChange(ctx context.Context, params DidChangeParams) (any, error) {
	s.docsMu.Lock()
	doc, found := s.docs[params.DocumentID]
	if !found {
		doc = &OpenDocument{ID: params.DocumentID}
		s.docs[params.DocumentID] = doc
		s.logger.Warn("didChange for unopened document, registering it", "doc", params.DocumentID)
	}
	if params.Version != 0 && params.Version < doc.Version {
		s.docsMu.Unlock()
		s.logger.Warn("Ignoring out-of-order didChange", "doc", params.DocumentID, "got_version", params.Version, "have_version", doc.Version)
		return nil, nil
	}
	doc.Text = params.Text
	doc.Version = params.Version
	s.docsMu.Unlock()

	// Content changed: cached suggestions for this document are stale.
	s.completer.InvalidateDocument(params.DocumentID)
	s.logger.Debug("Document changed", "doc", params.DocumentID, "version", params.Version, "size", len(params.Text))
	return nil, nil
}

func (s *Server) handleDidClose(ctx context.Context, params DidCloseParams) (any, error) {
	s.docsMu.Lock()
	delete(s.docs, params.DocumentID)
	s.docsMu.Unlock()

	s.completer.CancelDocument(params.DocumentID)
	s.completer.InvalidateDocument(params.DocumentID)
	s.logger.Info("Document closed", "doc", params.DocumentID)
	return nil, nil
}

func (s *Server) handleKeystroke(ctx context.Context, params KeystrokeParams) (any, error) {
	ev := KeystrokeEvent{
		Key:        params.Key,
		Position:   params.Position,
		Content:    params.Content,
		DocumentID: params.DocumentID,
		Language:   params.Language,
		Timestamp:  time.Now(),
	}
	if params.TimestampMs > 0 {
		ev.Timestamp = time.UnixMilli(params.TimestampMs)
	}

	// Keystrokes that carry content keep the document store current too.
	if params.Content != "" {
		s.docsMu.Lock()
		if doc, found := s.docs[params.DocumentID]; found {
			doc.Text = params.Content
		}
		s.docsMu.Unlock()
	}

	if err := s.completer.OnKeystroke(ev); err != nil {
		if errors.Is(err, ErrDocumentNotOpen) {
			s.logger.Debug("Keystroke for unknown document dropped", "doc", params.DocumentID)
			return nil, nil
		}
		s.logger.Warn("Keystroke handling failed", "doc", params.DocumentID, "error", err)
	}
	return nil, nil
}

func (s *Server) handleDidEdit(ctx context.Context, params DidEditParams) (any, error) {
	s.completer.TrackEdit(EditEvent{
		DocumentID:   params.DocumentID,
		Range:        params.Range,
		OldText:      params.OldText,
		NewText:      params.NewText,
		CursorBefore: params.CursorBefore,
		CursorAfter:  params.CursorAfter,
		Timestamp:    time.Now(),
	})
	return nil, nil
}

func (s *Server) handleInlineCompletion(ctx context.Context, params InlineCompletionParams) (any, error) {
	ec, err := s.editorContextAt(params.DocumentID, params.Position)
	if err != nil {
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestFailed), Message: err.Error()}
	}

	suggestion, err := s.completer.GetInline(ctx, ec)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: "Request cancelled"}
		}
		if errors.Is(err, ErrDisabled) {
			return InlineCompletionResult{}, nil
		}
		s.logger.Warn("Inline completion request failed", "doc", params.DocumentID, "error", err)
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestFailed), Message: fmt.Sprintf("completion failed: %v", err)}
	}
	return InlineCompletionResult{Suggestion: suggestionPayload(suggestion)}, nil
}

func (s *Server) handleListCompletion(ctx context.Context, params ListCompletionParams) (any, error) {
	ec, err := s.editorContextAt(params.DocumentID, params.Position)
	if err != nil {
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestFailed), Message: err.Error()}
	}

	completions, err := s.completer.RequestCompletions(ctx, ec)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: "Request cancelled"}
		}
		if errors.Is(err, ErrDisabled) {
			return ListCompletionResult{Items: []CompletionItemPayload{}}, nil
		}
		s.logger.Warn("List completion request failed", "doc", params.DocumentID, "error", err)
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestFailed), Message: fmt.Sprintf("completion failed: %v", err)}
	}
	return ListCompletionResult{Items: completionPayloads(completions)}, nil
}

func (s *Server) handlePredictNext(ctx context.Context, params PredictionParams) (any, error) {
	ec, err := s.editorContextAt(params.DocumentID, params.Position)
	if err != nil {
		// Predictions can still be computed for unopened documents; the
		// structural detector just sees empty text.
		ec = EditorContext{DocumentID: params.DocumentID, Cursor: params.Position}
	}
	predictions := s.completer.PredictNextEdit(ec)
	return PredictionListResult{Predictions: predictionPayloads(predictions)}, nil
}

// editorContextAt snapshots an open document into an EditorContext.
func (s *Server) editorContextAt(documentID string, pos Position) (EditorContext, error) {
	s.docsMu.RLock()
	doc, found := s.docs[documentID]
	if !found {
		s.docsMu.RUnlock()
		return EditorContext{}, fmt.Errorf("%w: %s", ErrDocumentNotOpen, documentID)
	}
	ec := EditorContext{
		DocumentID: doc.ID,
		FullText:   doc.Text,
		Language:   doc.Language,
		Version:    doc.Version,
		Cursor:     pos,
	}
	s.docsMu.RUnlock()
	return ec, nil
}

func (s *Server) handleDidChangeConfiguration(ctx context.Context, params DidChangeConfigurationParams) (any, error) {
	s.logger.Info("Handling workspace/didChangeConfiguration")

	var changedSettings struct {
		Tabflow FileConfig `json:"tabflow"`
	}
	if err := json.Unmarshal(params.Settings, &changedSettings); err != nil {
		s.logger.Error("Failed to unmarshal workspace/didChangeConfiguration settings", "error", err, "raw_settings", string(params.Settings))
		var directFileCfg FileConfig
		if directErr := json.Unmarshal(params.Settings, &directFileCfg); directErr == nil {
			s.logger.Info("Successfully unmarshalled settings directly into FileConfig")
			changedSettings.Tabflow = directFileCfg
		} else {
			s.logger.Error("Also failed to unmarshal settings directly into FileConfig", "direct_error", directErr)
			return nil, nil
		}
	}

	newConfig := s.completer.GetCurrentConfig()
	mergedFields := mergeFileConfig(&newConfig, changedSettings.Tabflow)

	if mergedFields > 0 {
		s.logger.Info("Applying configuration changes from client", "fields_merged", mergedFields)
		if err := s.completer.UpdateConfig(newConfig); err != nil {
			s.logger.Error("Failed to apply updated configuration", "error", err)
			s.sendShowMessage(MessageTypeError, fmt.Sprintf("Failed to apply configuration update: %v", err))
		} else {
			s.logger.Info("Server configuration updated via workspace/didChangeConfiguration")
		}
	} else {
		s.logger.Debug("No relevant configuration changes found in workspace/didChangeConfiguration notification")
	}

	return nil, nil
}

// ============================================================================
// Notification Sending Helpers
// ============================================================================

func (s *Server) sendShowMessage(msgType MessageType, message string) {
	if s.conn == nil {
		s.logger.Warn("Cannot send showMessage: connection is nil")
		return
	}
	params := ShowMessageParams{Type: msgType, Message: message}
	ctx := context.Background()
	if err := s.conn.Notify(ctx, "window/showMessage", params); err != nil {
		s.logger.Error("Failed to send window/showMessage notification", "error", err, "message_type", msgType)
	} else {
		s.logger.Debug("Sent window/showMessage notification", "message_type", msgType)
	}
}

// notifySuggestionReady pushes a delivered suggestion to the editor so it can
// render without polling completion/current.
func (s *Server) notifySuggestionReady(suggestion *InlineSuggestion) {
	if s.conn == nil || suggestion == nil {
		return
	}
	params := InlineCompletionResult{Suggestion: suggestionPayload(suggestion)}
	if err := s.conn.Notify(context.Background(), "completion/ready", params); err != nil {
		s.logger.Error("Failed to send completion/ready notification", "error", err, "doc", suggestion.DocumentID)
	}
}

// ============================================================================
// Metrics Publishing
// ============================================================================

func publishExpvarMetrics(s *Server) {
	startTime := time.Now()
	expvar.NewString("serverInfo.name").Set(s.serverInfo.Name)
	expvar.NewString("serverInfo.version").Set(s.serverInfo.Version)
	expvar.NewString("serverStartTime").Set(startTime.Format(time.RFC3339))
	expvar.Publish("goroutines", expvar.Func(func() any { return runtime.NumGoroutine() }))
	expvar.Publish("memory.allocBytes", expvar.Func(func() any {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return m.Alloc
	}))
	expvar.Publish("rpc.openDocuments", expvar.Func(func() any {
		s.docsMu.RLock()
		defer s.docsMu.RUnlock()
		return len(s.docs)
	}))
	expvar.Publish("rpc.pendingRequests", expvar.Func(func() any { return s.requestTracker.Count() }))

	expvar.Publish("pipeline.metrics", expvar.Func(func() any { return s.completer.GetMetrics() }))
	expvar.Publish("cache.suggestions", expvar.Func(func() any { return s.completer.GetCacheStats() }))
	if mm := s.completer.assembler.MemoMetrics(); mm != nil {
		expvar.Publish("cache.memo.hits", expvar.Func(func() any { return mm.Hits() }))
		expvar.Publish("cache.memo.misses", expvar.Func(func() any { return mm.Misses() }))
		expvar.Publish("cache.memo.keysAdded", expvar.Func(func() any { return mm.KeysAdded() }))
		expvar.Publish("cache.memo.keysEvicted", expvar.Func(func() any { return mm.KeysEvicted() }))
	}
	s.logger.Info("Expvar metrics published")
}

// ============================================================================
// Request Cancellation Tracker
// ============================================================================

// RequestTracker manages cancellation contexts for in-flight RPC requests.
type RequestTracker struct {
	mu       sync.Mutex
	requests map[jsonrpc2.ID]context.CancelFunc
}

// NewRequestTracker creates a new tracker.
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{
		requests: make(map[jsonrpc2.ID]context.CancelFunc),
	}
}

// Add registers a request ID and returns a derived cancellable context for
// the handler to run under.
func (rt *RequestTracker) Add(id jsonrpc2.ID, ctx context.Context) (context.Context, context.CancelFunc) {
	reqCtx, cancel := context.WithCancel(ctx)
	if id == (jsonrpc2.ID{}) {
		return reqCtx, cancel // Notifications are not tracked
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.requests[id] = cancel
	return reqCtx, cancel
}

// Remove deregisters a request ID.
func (rt *RequestTracker) Remove(id jsonrpc2.ID) {
	if id == (jsonrpc2.ID{}) {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.requests, id)
}

// Cancel finds the cancel function for a request ID and calls it.
func (rt *RequestTracker) Cancel(id jsonrpc2.ID) {
	if id == (jsonrpc2.ID{}) {
		slog.Debug("Cancel request ignored for unset ID")
		return
	}
	rt.mu.Lock()
	cancel, found := rt.requests[id]
	if found {
		delete(rt.requests, id)
	}
	rt.mu.Unlock()

	if found {
		slog.Debug("Calling cancel function for request", "id", id)
		cancel()
	} else {
		slog.Debug("Cancel function not found for request ID", "id", id)
	}
}

// Count returns the number of currently tracked requests.
func (rt *RequestTracker) Count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.requests)
}
