package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pitchlink/chat-service/internal/blobstore"
	"github.com/pitchlink/chat-service/internal/metrics"
	"github.com/pitchlink/chat-service/internal/presence"
	"github.com/pitchlink/chat-service/internal/protocol"
	"github.com/pitchlink/chat-service/internal/ratelimit"
	"github.com/pitchlink/chat-service/internal/realtime"
	"github.com/pitchlink/chat-service/internal/session"
	"github.com/pitchlink/chat-service/internal/store"
	"github.com/pitchlink/chat-service/internal/timeline"
	"github.com/pitchlink/chat-service/internal/voice"
	"github.com/pitchlink/chat-service/internal/ws"
)

// openView is the per-session state for one open conversation: the live
// subscription pair and this user's presence tracker.
type openView struct {
	conversationID string
	handle         *realtime.Handle
	tracker        *presence.Tracker
}

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.HeartbeatTimeout = d
		}
	}

	// --- Postgres ---
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/pitchlink?sslmode=disable"
	}
	st, err := store.New(dsn)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}

	// --- NATS ---
	rtConfig := realtime.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		rtConfig.URL = natsURL
	}
	rt, err := realtime.NewClient(rtConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- Object storage ---
	blobCfg := blobstore.Config{
		Endpoint:      envOr("S3_ENDPOINT", "localhost:9000"),
		AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		SecretKey:     os.Getenv("S3_SECRET_KEY"),
		Bucket:        envOr("S3_BUCKET", "chat-audios"),
		UseSSL:        os.Getenv("S3_USE_SSL") == "true",
		PublicBaseURL: envOr("S3_PUBLIC_BASE_URL", "http://localhost:9000"),
	}
	blobs, err := blobstore.New(blobCfg)
	if err != nil {
		log.Fatalf("failed to connect to object storage: %v", err)
	}

	presenceCfg := presence.DefaultConfig()

	log.Printf("PitchLink chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  nats_url:        %s", rtConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  s3_endpoint:     %s", blobCfg.Endpoint)
	log.Printf("  server_name:     %s", serverName)

	// Declare server early so closures can capture it.
	var server *ws.Server

	// Per-session open conversation views, keyed by session ID. A session
	// holds at most one open view; opening another closes the previous one.
	var viewsMu sync.Mutex
	views := make(map[string]*openView)

	closeView := func(sessionID string, announceLeave bool) {
		viewsMu.Lock()
		view := views[sessionID]
		delete(views, sessionID)
		viewsMu.Unlock()
		if view == nil {
			return
		}

		view.handle.Close()
		if announceLeave {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			view.tracker.Leave(ctx)
			cancel()
		}
		metrics.OpenConversations.Dec()
	}

	sendError := func(conn *ws.Connection, code, message string) {
		resp, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
		if err != nil {
			return
		}
		_ = conn.WriteMessage(resp)
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// open_conversation — resolve the conversation, subscribe, send history
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeOpenConversation, func(conn *ws.Connection, msg interface{}) {
		openMsg, ok := msg.(protocol.OpenConversationMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Resolve by id, or lazily create on first contact.
		var conv *store.Conversation
		var err error
		switch {
		case openMsg.ConversationID != "":
			conv, err = st.GetConversation(ctx, openMsg.ConversationID)
		case openMsg.PublicationID != "" && openMsg.PeerID != "":
			conv, err = st.FindOrCreateConversation(ctx, openMsg.PublicationID, conn.UserID, openMsg.PeerID)
		default:
			sendError(conn, "bad_request", "conversation_id or publication_id+peer_id required")
			return
		}
		if err != nil {
			log.Printf("[open] resolve conversation session=%s: %v", conn.ID, err)
			sendError(conn, "not_found", "conversation not found")
			return
		}
		if !conv.IsParticipant(conn.UserID) {
			sendError(conn, "forbidden", "not a participant")
			return
		}
		peerID := conv.Peer(conn.UserID)

		// Tear down any previous view this session held.
		closeView(conn.ID, true)

		handle, err := rt.Open(conn.ID, conv.ID)
		if err != nil {
			log.Printf("[open] subscribe session=%s conv=%s: %v", conn.ID, conv.ID, err)
			sendError(conn, "subscribe_failed", "could not subscribe to conversation")
			return
		}

		sessionID := conn.ID
		selfID := conn.UserID
		handle.OnMessageInsert(func(m store.Message) {
			resp, err := protocol.NewServerMessage(protocol.TypeServerMessage, protocol.ServerChatMsg{Message: m})
			if err != nil {
				return
			}
			if err := server.SendMessage(sessionID, resp); err != nil {
				log.Printf("[open] forward insert session=%s: %v", sessionID, err)
			}
		})
		handle.OnMessageUpdate(func(m store.Message) {
			resp, err := protocol.NewServerMessage(protocol.TypeMessageUpdate, protocol.MessageUpdateMsg{Message: m})
			if err != nil {
				return
			}
			_ = server.SendMessage(sessionID, resp)
		})
		handle.OnPresence(func(ev realtime.PresenceEvent) {
			if ev.UserID == selfID {
				return // don't echo our own announcements
			}
			resp, err := protocol.NewServerMessage(protocol.TypePresence, protocol.PresenceMsg{
				UserID:   ev.UserID,
				OnlineAt: ev.OnlineAt,
				Typing:   ev.Typing,
				Leave:    ev.Leave,
			})
			if err != nil {
				return
			}
			_ = server.SendMessage(sessionID, resp)
		})

		// Announce this user and start the heartbeat loop.
		tracker := presence.NewTracker(presenceCfg, rt, st, conn.UserID, peerID, conv.ID)
		if err := tracker.Join(ctx); err != nil {
			log.Printf("[open] presence join session=%s conv=%s: %v", conn.ID, conv.ID, err)
		}

		viewsMu.Lock()
		views[conn.ID] = &openView{conversationID: conv.ID, handle: handle, tracker: tracker}
		viewsMu.Unlock()
		metrics.OpenConversations.Inc()

		if err := sessionStore.SetOpenConversation(ctx, conn.ID, conv.ID); err != nil {
			log.Printf("[open] session update %s: %v", conn.ID, err)
		}

		// History, peer snapshot, then batch mark-read.
		msgs, err := st.ListMessages(ctx, conv.ID)
		if err != nil {
			log.Printf("[open] list messages conv=%s: %v", conv.ID, err)
			sendError(conn, "store_error", "could not load messages")
			return
		}

		peerPresence, err := st.GetPresence(ctx, peerID)
		if err != nil {
			log.Printf("[open] peer presence %s: %v", peerID, err)
			peerPresence = &store.PresenceRecord{UserID: peerID}
		}
		profile, err := st.GetProfile(ctx, peerID)
		if err != nil {
			log.Printf("[open] peer profile %s: %v", peerID, err)
			profile = &store.Profile{ID: peerID}
		}

		resp, err := protocol.NewServerMessage(protocol.TypeConversationOpened, protocol.ConversationOpenedMsg{
			ConversationID: conv.ID,
			PeerID:         peerID,
			PeerName:       profile.DisplayName(),
			PeerOnline:     presence.OnlineFromHeartbeat(peerPresence.LastSeenAt, time.Now().UTC()),
			PeerLastSeen:   peerPresence.LastSeenAt,
			Messages:       msgs,
		})
		if err != nil {
			log.Printf("[open] build conversation_opened conv=%s: %v", conv.ID, err)
			return
		}
		_ = conn.WriteMessage(resp)

		// Flip every unread peer message and broadcast the read receipts.
		if n, err := st.MarkConversationRead(ctx, conv.ID, conn.UserID); err != nil {
			log.Printf("[open] batch mark read conv=%s: %v", conv.ID, err)
		} else if n > 0 {
			for _, m := range msgs {
				if m.SenderID != conn.UserID && !m.Read {
					m.Read = true
					if err := rt.PublishMessageUpdate(conv.ID, m); err != nil {
						log.Printf("[open] publish read receipt msg=%s: %v", m.ID, err)
					}
				}
			}
		}

		log.Printf("open_conversation session=%s user=%s conv=%s history=%d", conn.ID, conn.UserID, conv.ID, len(msgs))
	})

	// -----------------------------------------------------------------------
	// close_conversation — view teardown
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCloseConversation, func(conn *ws.Connection, msg interface{}) {
		closeView(conn.ID, true)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := sessionStore.ClearOpenConversation(ctx, conn.ID); err != nil {
			log.Printf("[close] session update %s: %v", conn.ID, err)
		}
		log.Printf("close_conversation session=%s user=%s", conn.ID, conn.UserID)
	})

	// -----------------------------------------------------------------------
	// message — persist a text message, ack the sender, broadcast
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sendFailed := func(reason string) {
			resp, err := protocol.NewServerMessage(protocol.TypeSendFailed, protocol.SendFailedMsg{
				TempID: chatMsg.TempID,
				Reason: reason,
			})
			if err != nil {
				return
			}
			_ = conn.WriteMessage(resp)
		}

		text := strings.TrimSpace(chatMsg.Text)
		if text == "" {
			sendFailed("empty message")
			return
		}
		if err := timeline.ValidateContent(text); err != nil {
			sendFailed(err.Error())
			return
		}

		allowed, _ := limiter.Allow(ctx, conn.UserID, ratelimit.RuleMessage)
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("text", "blocked").Inc()
			resp, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(ratelimit.RuleMessage.Window.Seconds()),
			})
			if err == nil {
				_ = conn.WriteMessage(resp)
			}
			return
		}

		viewsMu.Lock()
		view := views[conn.ID]
		viewsMu.Unlock()
		if view == nil || view.conversationID != chatMsg.ConversationID {
			sendFailed("conversation is not open")
			return
		}

		start := time.Now()
		m, err := st.InsertTextMessage(ctx, chatMsg.ConversationID, conn.UserID, text)
		if err != nil {
			metrics.MessagesTotal.WithLabelValues("text", "failed").Inc()
			log.Printf("[message] insert session=%s conv=%s: %v", conn.ID, chatMsg.ConversationID, err)
			sendFailed("could not store message")
			return
		}

		ack, err := protocol.NewServerMessage(protocol.TypeMessageAck, protocol.MessageAckMsg{
			TempID:  chatMsg.TempID,
			Message: *m,
		})
		if err == nil {
			_ = conn.WriteMessage(ack)
		}

		if err := rt.PublishMessageInsert(chatMsg.ConversationID, *m); err != nil {
			log.Printf("[message] broadcast conv=%s msg=%s: %v", chatMsg.ConversationID, m.ID, err)
		}
		metrics.MessageLatency.Observe(time.Since(start).Seconds())
		metrics.MessagesTotal.WithLabelValues("text", "sent").Inc()
	})

	// -----------------------------------------------------------------------
	// mark_read — flip a single peer message and broadcast the receipt
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMarkRead, func(conn *ws.Connection, msg interface{}) {
		readMsg, ok := msg.(protocol.MarkReadMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		m, err := st.GetMessage(ctx, readMsg.MessageID)
		if err != nil || m == nil {
			return
		}
		if m.SenderID == conn.UserID {
			return // only the non-sender may mark read
		}
		if m.Read {
			return // idempotent: already read, no visible mutation
		}

		if err := st.MarkMessageRead(ctx, m.ID); err != nil {
			log.Printf("[mark_read] msg=%s: %v", m.ID, err)
			return
		}
		m.Read = true
		if err := rt.PublishMessageUpdate(m.ConversationID, *m); err != nil {
			log.Printf("[mark_read] publish msg=%s: %v", m.ID, err)
		}
	})

	// -----------------------------------------------------------------------
	// list_conversations — the inbox view: every thread with unread badge
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeListConversations, func(conn *ws.Connection, msg interface{}) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		summaries, err := st.ListConversationSummaries(ctx, conn.UserID)
		if err != nil {
			log.Printf("[list] conversations user=%s: %v", conn.UserID, err)
			sendError(conn, "store_error", "could not load conversations")
			return
		}

		now := time.Now().UTC()
		out := make([]protocol.ConversationSummary, 0, len(summaries))
		for _, s := range summaries {
			out = append(out, protocol.ConversationSummary{
				ConversationID: s.Conversation.ID,
				PublicationID:  s.Conversation.PublicationID,
				PeerID:         s.Peer.ID,
				PeerName:       s.Peer.DisplayName(),
				PeerAvatarURL:  s.Peer.AvatarURL,
				PeerOnline:     presence.OnlineFromHeartbeat(s.PeerLastSeen, now),
				PeerLastSeen:   s.PeerLastSeen,
				LastMessage:    s.LastMessage,
				UnreadCount:    s.UnreadCount,
			})
		}

		resp, err := protocol.NewServerMessage(protocol.TypeConversationList, protocol.ConversationListMsg{
			Conversations: out,
		})
		if err != nil {
			log.Printf("[list] build conversation_list user=%s: %v", conn.UserID, err)
			return
		}
		_ = conn.WriteMessage(resp)
		log.Printf("list_conversations session=%s user=%s count=%d", conn.ID, conn.UserID, len(out))
	})

	// -----------------------------------------------------------------------
	// typing — ephemeral, channel-local; the idle timer clears it
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}

		viewsMu.Lock()
		view := views[conn.ID]
		viewsMu.Unlock()
		if view == nil || view.conversationID != typingMsg.ConversationID {
			return
		}

		if typingMsg.IsTyping {
			view.tracker.Keystroke()
		}
	})

	server = ws.NewServer(config, sessionStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	server.SetLimiter(limiter)

	// Voice note upload and metrics endpoints ride the same HTTP listener.
	voiceSender := voice.NewSender(blobs, st)
	server.Handle("POST /conversations/{id}/voice", voice.NewUploadHandler(st, voiceSender, rt, limiter))
	server.Handle("/metrics", metrics.Handler())

	// Abrupt disconnect: tear down the open view. Leave is announced so the
	// peer flips to offline without waiting for the freshness window.
	server.SetOnDisconnect(func(conn *ws.Connection) {
		closeView(conn.ID, true)
		log.Printf("disconnect cleanup session=%s user=%s", conn.ID, conn.UserID)
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		viewsMu.Lock()
		ids := make([]string, 0, len(views))
		for id := range views {
			ids = append(ids, id)
		}
		viewsMu.Unlock()
		for _, id := range ids {
			closeView(id, true)
		}

		rt.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if err := st.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
