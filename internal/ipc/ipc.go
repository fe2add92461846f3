// Package ipc is the daemon's local control plane: a unix socket carrying
// JSON commands from the CLI and pushing connectivity updates back.
package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"runtime"
)

const unixSocketPath = "/tmp/immortan.sock"
const windowsSocketPort = ":7071"

var osType = runtime.GOOS

func NewServer() (*Server, error) {
	var listener net.Listener
	var err error

	if osType == "windows" {
		listener, err = net.Listen("tcp", windowsSocketPort)
	} else {
		// Remove a stale socket left by an unclean shutdown
		if _, err := os.Stat(unixSocketPath); err == nil {
			if err := os.Remove(unixSocketPath); err != nil {
				return nil, fmt.Errorf("failed to remove existing socket file: %v", err)
			}
		}
		listener, err = net.Listen("unix", unixSocketPath)
	}
	if err != nil {
		return nil, err
	}

	server := &Server{
		listener:    listener,
		commands:    make(chan Command),
		connections: make(map[int]net.Conn),
		subscribers: make(map[net.Conn]bool),
	}

	go server.accept()

	return server, nil
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		s.removeSubscriber(conn)
		conn.Close()
	}()

	s.addSubscriber(conn)

	decoder := json.NewDecoder(conn)
	for {
		var cmd Command
		if err := decoder.Decode(&cmd); err != nil {
			if err != io.EOF {
				log.Printf("ipc: failed to read command: %v", err)
			}
			return
		}
		if cmd.ID == 0 {
			continue
		}

		s.mutex.Lock()
		s.connections[cmd.ID] = conn
		s.mutex.Unlock()

		s.commands <- cmd
	}
}

func (s *Server) Commands() <-chan Command {
	return s.commands
}

func (s *Server) SendResponse(id int, response Response) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	conn, exists := s.connections[id]
	if !exists {
		log.Printf("ipc: connection for command ID %d not found", id)
		return
	}
	delete(s.connections, id)

	responseData, err := json.Marshal(response)
	if err != nil {
		log.Printf("ipc: error marshaling response for command ID %d: %v", id, err)
		return
	}
	if _, err := conn.Write(append(responseData, '\n')); err != nil {
		log.Printf("ipc: error writing response for command ID %d: %v", id, err)
	}
}

// BroadcastUpdate pushes an update to every subscribed client. Clients
// that stopped reading are dropped.
func (s *Server) BroadcastUpdate(update Update) {
	data, err := json.Marshal(update)
	if err != nil {
		log.Printf("ipc: failed to marshal update: %v", err)
		return
	}
	data = append(data, '\n')

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for conn := range s.subscribers {
		if _, err := conn.Write(data); err != nil {
			delete(s.subscribers, conn)
		}
	}
}

func (s *Server) addSubscriber(conn net.Conn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.subscribers[conn] = true
}

func (s *Server) removeSubscriber(conn net.Conn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.subscribers, conn)
}

func (s *Server) Close() error {
	return s.listener.Close()
}

func NewClient() (*Client, error) {
	var conn net.Conn
	var err error

	if osType == "windows" {
		conn, err = net.Dial("tcp", windowsSocketPort)
	} else {
		conn, err = net.Dial("unix", unixSocketPath)
	}
	if err != nil {
		return nil, err
	}

	return &Client{conn: conn}, nil
}

// SendCommand issues one command and waits for its response, skipping any
// pushed updates that arrive in between.
func (c *Client) SendCommand(command string, args []string) (interface{}, error) {
	c.nextID++
	cmd := Command{
		ID:      c.nextID,
		Command: command,
		Args:    args,
	}

	cmdData, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("error marshaling command: %v", err)
	}
	if _, err := c.conn.Write(append(cmdData, '\n')); err != nil {
		return nil, fmt.Errorf("error writing command to connection: %v", err)
	}

	decoder := json.NewDecoder(c.conn)
	for {
		var response Response
		if err := decoder.Decode(&response); err != nil {
			return nil, fmt.Errorf("error reading response from connection: %v", err)
		}
		if response.ID != cmd.ID {
			// an async Update or a stale response; keep reading
			continue
		}
		if response.Error != "" {
			return nil, fmt.Errorf("%s", response.Error)
		}
		return response.Result, nil
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}
