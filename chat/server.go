package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"

	"chatshard/db"
	"chatshard/models"
	"chatshard/services"
)

// DefaultRoomID - комната, в которую пишут TCP-сессии.
const DefaultRoomID int64 = 1

// Server - построчный TCP-чат. Каждая строка клиента сохраняется на
// шард автора через фасад и рассылается комнате.
type Server struct {
	facade *services.DbFacade
	room   *Room
	roomID int64
	ln     net.Listener
}

func NewServer(facade *services.DbFacade, roomID int64) *Server {
	if roomID == 0 {
		roomID = DefaultRoomID
	}
	return &Server{facade: facade, room: NewRoom(), roomID: roomID}
}

func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("chat listen %s: %w", addr, err)
	}
	s.ln = ln
	log.Printf("chat server listening on %s", ln.Addr())
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve принимает подключения до отмены контекста.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Printf("chat: accept client %s", conn.RemoteAddr())
		sess := newSession(conn, s)
		go sess.run(ctx)
	}
}

// Session - одно TCP-подключение: читающий цикл плюс очередь записи,
// которую дренирует отдельная горутина.
type Session struct {
	conn net.Conn
	srv  *Server
	out  chan string
	user *models.User
}

func newSession(conn net.Conn, srv *Server) *Session {
	return &Session{
		conn: conn,
		srv:  srv,
		out:  make(chan string, 64),
	}
}

// Deliver ставит строку в очередь записи. Переполненная очередь -
// строка отбрасывается, медленный клиент не тормозит комнату.
func (s *Session) Deliver(line string) {
	select {
	case s.out <- line:
	default:
	}
}

func (s *Session) run(ctx context.Context) {
	s.srv.room.Join(s)
	defer func() {
		s.srv.room.Leave(s)
		_ = s.conn.Close()
	}()

	go s.writeLoop(ctx)

	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		s.handleLine(ctx, line)
	}
	if s.user != nil {
		log.Printf("chat: %s left", s.user.Username)
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-s.out:
			if !ok {
				return
			}
			if _, err := s.conn.Write([]byte(line + "\n")); err != nil {
				s.srv.room.Leave(s)
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *Session) handleLine(ctx context.Context, line string) {
	switch {
	case strings.HasPrefix(line, "/login "):
		s.handleLogin(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/login ")))
	case strings.HasPrefix(line, "/transfer "):
		s.handleTransfer(ctx, line)
	default:
		s.handleMessage(ctx, line)
	}
}

func (s *Session) handleLogin(ctx context.Context, username string) {
	user, err := s.srv.facade.FindUser(ctx, username)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.Deliver("no such user: " + username)
		} else {
			s.Deliver("login failed, try again")
		}
		return
	}
	s.user = user
	s.Deliver("logged in as " + user.Username)
}

func (s *Session) handleMessage(ctx context.Context, line string) {
	if s.user == nil {
		s.Deliver("login first: /login <username>")
		return
	}
	if err := s.srv.facade.SaveMessage(ctx, s.user.ID, s.srv.roomID, line); err != nil {
		log.Printf("chat: save message from %s failed: %v", s.user.Username, err)
		s.Deliver("message not saved")
		return
	}
	s.srv.room.Deliver(s.user.Username + ": " + line)
}

// /transfer <to> <amount>
func (s *Session) handleTransfer(ctx context.Context, line string) {
	if s.user == nil {
		s.Deliver("login first: /login <username>")
		return
	}
	fields := strings.Fields(line)
	if len(fields) != 3 {
		s.Deliver("usage: /transfer <to> <amount>")
		return
	}
	amount, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || amount <= 0 {
		s.Deliver("usage: /transfer <to> <amount>")
		return
	}

	res := s.srv.facade.TransferMoney(ctx, s.user.Username, fields[1], amount)
	switch res.Status {
	case services.TransferOK:
		s.Deliver(fmt.Sprintf("transferred %d to %s", amount, fields[1]))
	case services.TransferPartial:
		s.Deliver(fmt.Sprintf("transfer %s is confirmed, delivery in progress", res.TxID))
	default:
		s.Deliver("transfer failed: " + string(res.Status))
	}
}
