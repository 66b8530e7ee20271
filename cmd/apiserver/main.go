package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/pulse/chat-server/internal/auth"
	"github.com/pulse/chat-server/internal/channel"
	"github.com/pulse/chat-server/internal/config"
	"github.com/pulse/chat-server/internal/message"
	"github.com/pulse/chat-server/internal/messaging"
	"github.com/pulse/chat-server/internal/metrics"
	"github.com/pulse/chat-server/internal/presence"
	"github.com/pulse/chat-server/internal/protocol"
	"github.com/pulse/chat-server/internal/user"
	"github.com/pulse/chat-server/internal/ws"
)

// sessionStreams tracks each session's live streams so they can be torn
// down on unsubscribe and on disconnect.
type sessionStreams struct {
	mu     sync.Mutex
	typing map[string]map[string]*presence.Subscription // session -> channel -> sub
	random map[string]*presence.Heartbeat
}

func newSessionStreams() *sessionStreams {
	return &sessionStreams{
		typing: make(map[string]map[string]*presence.Subscription),
		random: make(map[string]*presence.Heartbeat),
	}
}

// addTyping registers a subscription, replacing (and closing) any previous
// one for the same (session, channel) pair.
func (ss *sessionStreams) addTyping(sessionID, channelID string, sub *presence.Subscription) {
	ss.mu.Lock()
	subs, ok := ss.typing[sessionID]
	if !ok {
		subs = make(map[string]*presence.Subscription)
		ss.typing[sessionID] = subs
	}
	old := subs[channelID]
	subs[channelID] = sub
	ss.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// removeTyping drops and closes one subscription. It is a no-op if the
// stored subscription is not the given one (already replaced).
func (ss *sessionStreams) removeTyping(sessionID, channelID string, sub *presence.Subscription) {
	ss.mu.Lock()
	current := ss.typing[sessionID][channelID]
	if current == sub || sub == nil {
		sub = current
		delete(ss.typing[sessionID], channelID)
	} else {
		sub = nil
	}
	ss.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

func (ss *sessionStreams) setRandom(sessionID string, hb *presence.Heartbeat) {
	ss.mu.Lock()
	old := ss.random[sessionID]
	if hb == nil {
		delete(ss.random, sessionID)
	} else {
		ss.random[sessionID] = hb
	}
	ss.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// dropSession closes everything a session had open.
func (ss *sessionStreams) dropSession(sessionID string) {
	ss.mu.Lock()
	subs := ss.typing[sessionID]
	delete(ss.typing, sessionID)
	hb := ss.random[sessionID]
	delete(ss.random, sessionID)
	ss.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	if hb != nil {
		hb.Close()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	pingCancel()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "pulse-" + cfg.ServerName
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- PostgreSQL ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to open PostgreSQL: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	if err := runMigrations(cfg); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	channelStore := channel.NewStore(db)
	userStore := user.NewStore(db, rdb)
	messageStore := message.NewStore(db)
	verifier := auth.NewVerifier(cfg.AuthSecret)

	// --- Presence ---
	presenceSvc := presence.NewService(rdb)
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go presence.NewSweeper(rdb, presenceSvc.Ledger()).Run(sweepCtx)

	log.Printf("Pulse chat server starting")
	log.Printf("  listen_addr:  %s", cfg.ListenAddr)
	log.Printf("  redis_addr:   %s", cfg.RedisAddr)
	log.Printf("  nats_url:     %s", cfg.NATSURL)
	log.Printf("  server_name:  %s", cfg.ServerName)

	streams := newSessionStreams()

	// Declare server early so handler closures can capture it.
	var server *ws.Server

	sendMsg := func(sessionID, msgType string, payload interface{}) {
		data, err := protocol.NewServerMessage(msgType, payload)
		if err != nil {
			log.Printf("[handler] build %s for session=%s: %v", msgType, sessionID, err)
			return
		}
		if err := server.SendMessage(sessionID, data); err != nil {
			log.Printf("[handler] send %s to session=%s: %v", msgType, sessionID, err)
		}
	}

	sendErr := func(sessionID, code, msg string) {
		sendMsg(sessionID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: msg})
	}

	// classify maps service errors to wire error codes.
	classify := func(err error) string {
		switch {
		case errors.Is(err, presence.ErrInvalidChannelID),
			errors.Is(err, presence.ErrEmptyUsername),
			errors.Is(err, message.ErrInvalidContent),
			errors.Is(err, channel.ErrInvalidName):
			return "invalid_input"
		default:
			return "unavailable"
		}
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// auth — verify the identity token, provision the user on first login
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeAuth, func(conn *ws.Connection, msg interface{}) {
		authMsg, ok := msg.(protocol.AuthMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		identity, err := verifier.Verify(authMsg.Token)
		if err != nil {
			sendErr(conn.ID, "auth_failed", "invalid credentials")
			return
		}

		u, err := userStore.GetByAddress(ctx, identity.Address)
		if err != nil {
			sendErr(conn.ID, "unavailable", "identity lookup failed")
			return
		}
		if u == nil {
			if _, err := userStore.Create(ctx, identity.Address, identity.Address); err != nil {
				sendErr(conn.ID, "unavailable", "identity provisioning failed")
				return
			}
		}

		conn.SetIdentity(identity)
		sendMsg(conn.ID, protocol.TypeAuthOK, protocol.AuthOKMsg{
			Address: identity.Address,
			Role:    identity.Role,
		})
		log.Printf("auth ok session=%s address=%s", conn.ID, identity.Address)
	})

	// -----------------------------------------------------------------------
	// typing_update — fire-and-forget typing mutation
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTypingUpdate, func(conn *ws.Connection, msg interface{}) {
		tu, ok := msg.(protocol.TypingUpdateMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := presenceSvc.UpdateTypingStatus(ctx, tu.ChannelID, tu.Username, tu.Typing); err != nil {
			sendErr(conn.ID, classify(err), err.Error())
		}
	})

	// -----------------------------------------------------------------------
	// who_is_typing — one-off snapshot
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeWhoIsTyping, func(conn *ws.Connection, msg interface{}) {
		wt, ok := msg.(protocol.WhoIsTypingMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		users, err := presenceSvc.GetTypingUsers(ctx, wt.ChannelID)
		if err != nil {
			sendErr(conn.ID, classify(err), err.Error())
			return
		}
		sendMsg(conn.ID, protocol.TypeTypingUsers, protocol.TypingUsersMsg{
			ChannelID: wt.ChannelID,
			Users:     users,
		})
	})

	// -----------------------------------------------------------------------
	// subscribe_typing / unsubscribe_typing — live presence stream
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSubscribeTyping, func(conn *ws.Connection, msg interface{}) {
		st, ok := msg.(protocol.SubscribeTypingMsg)
		if !ok {
			return
		}
		sid := conn.ID

		sub, err := presenceSvc.SubscribeToTyping(context.Background(), st.ChannelID)
		if err != nil {
			sendErr(sid, classify(err), err.Error())
			return
		}
		streams.addTyping(sid, st.ChannelID, sub)

		// Forward every emission (the buffered initial snapshot included)
		// until the subscription terminates for any reason.
		go func() {
			for users := range sub.C {
				sendMsg(sid, protocol.TypeTypingUsers, protocol.TypingUsersMsg{
					ChannelID: st.ChannelID,
					Users:     users,
				})
			}

			if err := sub.Err(); err != nil {
				reason := "error"
				if errors.Is(err, presence.ErrSessionExpired) {
					reason = "expired"
				}
				sendMsg(sid, protocol.TypeSubscriptionEnded, protocol.SubscriptionEndedMsg{
					ChannelID: st.ChannelID,
					Reason:    reason,
				})
				streams.removeTyping(sid, st.ChannelID, sub)
			}
		}()

		log.Printf("typing subscription opened session=%s channel=%s", sid, st.ChannelID)
	})

	dispatcher.Register(protocol.TypeUnsubscribeTyping, func(conn *ws.Connection, msg interface{}) {
		ut, ok := msg.(protocol.UnsubscribeTypingMsg)
		if !ok {
			return
		}
		streams.removeTyping(conn.ID, ut.ChannelID, nil)
		log.Printf("typing subscription closed session=%s channel=%s", conn.ID, ut.ChannelID)
	})

	// -----------------------------------------------------------------------
	// subscribe_random / unsubscribe_random — liveness stream
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSubscribeRandom, func(conn *ws.Connection, msg interface{}) {
		sid := conn.ID
		hb := presenceSvc.Heartbeat(context.Background())
		streams.setRandom(sid, hb)

		go func() {
			for n := range hb.C {
				sendMsg(sid, protocol.TypeRandomNumber, protocol.RandomNumberMsg{Value: n})
			}
		}()
	})

	dispatcher.Register(protocol.TypeUnsubscribeRandom, func(conn *ws.Connection, msg interface{}) {
		streams.setRandom(conn.ID, nil)
	})

	// -----------------------------------------------------------------------
	// join_channel / leave_channel — message feed via NATS
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinChannel, func(conn *ws.Connection, msg interface{}) {
		jc, ok := msg.(protocol.JoinChannelMsg)
		if !ok {
			return
		}
		sid := conn.ID

		err := natsClient.SubscribeToChannel(jc.ChannelID, sid, func(data []byte) {
			if err := server.SendMessage(sid, data); err != nil {
				log.Printf("[channel-sub] deliver to session=%s: %v", sid, err)
				return
			}
			metrics.MessagesTotal.WithLabelValues("delivered").Inc()
		})
		if err != nil {
			sendErr(sid, "unavailable", "channel subscription failed")
			return
		}
		log.Printf("joined channel session=%s channel=%s", sid, jc.ChannelID)
	})

	dispatcher.Register(protocol.TypeLeaveChannel, func(conn *ws.Connection, msg interface{}) {
		lc, ok := msg.(protocol.LeaveChannelMsg)
		if !ok {
			return
		}
		if err := natsClient.UnsubscribeFromChannel(lc.ChannelID, conn.ID); err != nil {
			log.Printf("leave channel session=%s channel=%s: %v", conn.ID, lc.ChannelID, err)
		}
	})

	// -----------------------------------------------------------------------
	// message — persist and fan out
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sm, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		u, err := userStore.GetByAddress(ctx, conn.Identity().Address)
		if err != nil || u == nil {
			sendErr(conn.ID, "unavailable", "identity lookup failed")
			return
		}

		stored, err := messageStore.Create(ctx, sm.ChannelID, u.ID, sm.Content)
		if err != nil {
			code := classify(err)
			if code == "invalid_input" {
				metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			}
			sendErr(conn.ID, code, err.Error())
			return
		}
		metrics.MessagesTotal.WithLabelValues("sent").Inc()

		data, err := protocol.NewServerMessage(protocol.TypeChannelMessage, protocol.ChannelMessageMsg{
			ID:        stored.ID,
			ChannelID: stored.ChannelID,
			UserID:    stored.UserID,
			Content:   stored.Content,
			Ts:        stored.CreatedAt.Unix(),
		})
		if err != nil {
			log.Printf("[message] build fan-out for %s: %v", stored.ID, err)
			return
		}
		if err := natsClient.PublishChannelMessage(sm.ChannelID, data); err != nil {
			log.Printf("[message] publish %s: %v", stored.ID, err)
		}
	})

	// -----------------------------------------------------------------------
	// history — recent messages for a channel
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeHistory, func(conn *ws.Connection, msg interface{}) {
		hm, ok := msg.(protocol.HistoryMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		history, err := messageStore.History(ctx, hm.ChannelID, hm.Limit)
		if err != nil {
			sendErr(conn.ID, "unavailable", "history lookup failed")
			return
		}

		out := make([]protocol.ChannelMessageMsg, 0, len(history))
		for _, m := range history {
			out = append(out, protocol.ChannelMessageMsg{
				Type:      protocol.TypeChannelMessage,
				ID:        m.ID,
				ChannelID: m.ChannelID,
				UserID:    m.UserID,
				Content:   m.Content,
				Ts:        m.CreatedAt.Unix(),
			})
		}
		sendMsg(conn.ID, protocol.TypeHistoryResult, protocol.HistoryResultMsg{
			ChannelID: hm.ChannelID,
			Messages:  out,
		})
	})

	// -----------------------------------------------------------------------
	// list_channels / create_channel — channel directory
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeListChannels, func(conn *ws.Connection, msg interface{}) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		channels, err := channelStore.List(ctx)
		if err != nil {
			sendErr(conn.ID, "unavailable", "channel listing failed")
			return
		}

		out := make([]protocol.ChannelInfo, 0, len(channels))
		for _, c := range channels {
			out = append(out, protocol.ChannelInfo{ID: c.ID, Name: c.Name})
		}
		sendMsg(conn.ID, protocol.TypeChannelList, protocol.ChannelListMsg{Channels: out})
	})

	dispatcher.Register(protocol.TypeCreateChannel, func(conn *ws.Connection, msg interface{}) {
		cc, ok := msg.(protocol.CreateChannelMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		id, err := channelStore.Create(ctx, cc.Name)
		if err != nil {
			sendErr(conn.ID, classify(err), err.Error())
			return
		}
		sendMsg(conn.ID, protocol.TypeChannelCreated, protocol.ChannelCreatedMsg{ID: id})
	})

	// -----------------------------------------------------------------------
	// list_users / update_name / delete_user — user management
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeListUsers, func(conn *ws.Connection, msg interface{}) {
		lu, ok := msg.(protocol.ListUsersMsg)
		if !ok {
			return
		}
		if !conn.Identity().IsAdmin() {
			sendErr(conn.ID, "forbidden", "admin role required")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		users, err := userStore.List(ctx, lu.Limit, lu.Offset)
		if err != nil {
			sendErr(conn.ID, "unavailable", "user listing failed")
			return
		}

		out := make([]protocol.UserInfo, 0, len(users))
		for _, u := range users {
			out = append(out, protocol.UserInfo{ID: u.ID, Name: u.Name, Address: u.Address})
		}
		sendMsg(conn.ID, protocol.TypeUserList, protocol.UserListMsg{Users: out})
	})

	dispatcher.Register(protocol.TypeUpdateName, func(conn *ws.Connection, msg interface{}) {
		un, ok := msg.(protocol.UpdateNameMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		u, err := userStore.GetByAddress(ctx, conn.Identity().Address)
		if err != nil || u == nil {
			sendErr(conn.ID, "unavailable", "identity lookup failed")
			return
		}
		updated, err := userStore.UpdateName(ctx, u.ID, un.Name)
		if err != nil {
			sendErr(conn.ID, "unavailable", "name update failed")
			return
		}
		sendMsg(conn.ID, protocol.TypeNameUpdated, protocol.NameUpdatedMsg{
			ID:   updated.ID,
			Name: updated.Name,
		})
	})

	dispatcher.Register(protocol.TypeDeleteUser, func(conn *ws.Connection, msg interface{}) {
		du, ok := msg.(protocol.DeleteUserMsg)
		if !ok {
			return
		}
		identity := conn.Identity()
		if !identity.IsAdmin() {
			sendErr(conn.ID, "forbidden", "admin role required")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// Admins may not delete their own account over this channel.
		target, err := userStore.GetByID(ctx, du.UserID)
		if err != nil {
			sendErr(conn.ID, "unavailable", "user lookup failed")
			return
		}
		if target == nil {
			sendErr(conn.ID, "not_found", "no such user")
			return
		}
		if target.Address == identity.Address {
			sendErr(conn.ID, "invalid_input", "cannot delete own account")
			return
		}

		if err := userStore.Delete(ctx, du.UserID); err != nil {
			code := "unavailable"
			if errors.Is(err, user.ErrNotFound) {
				code = "not_found"
			}
			sendErr(conn.ID, code, "user deletion failed")
			return
		}
		sendMsg(conn.ID, protocol.TypeUserDeleted, protocol.UserDeletedMsg{ID: du.UserID})
	})

	// --- Server ---
	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}
	server = ws.NewServer(serverConfig, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	server.SetOnDisconnect(func(connID string) {
		streams.dropSession(connID)
		natsClient.UnsubscribeSession(connID)
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	stopSweeper()
	_ = server.Shutdown()
	natsClient.Close()
	rdb.Close()
	db.Close()
}

// runMigrations applies any pending schema migrations at startup.
func runMigrations(cfg *config.Config) error {
	m, err := migrate.New("file://"+cfg.MigrationsDir, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
