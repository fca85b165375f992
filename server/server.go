package server

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shardkeeper/shardkeeper/cluster"
	"github.com/shardkeeper/shardkeeper/persistence"
	"github.com/shardkeeper/shardkeeper/protocol"
	"github.com/shardkeeper/shardkeeper/replication"
	"github.com/shardkeeper/shardkeeper/storage"
)

/*
 * ============================================================================
 * Redis 服务器实现
 * ============================================================================
 *
 * 服务器负责：
 * 1. 监听 TCP 端口
 * 2. 接受客户端连接
 * 3. 处理客户端请求
 * 4. 返回响应
 *
 * 当集群模式启用时，命令分派在真正执行之前先经过 cluster.Redirect：
 * 没有涉及 key 的命令照常放行；涉及 key 的命令按槽位检查本地是否拥有
 * 所有权，不拥有就返回 MOVED/ASK/CROSSSLOT/CLUSTERDOWN，而不会触达
 * 存储层。
 */

// Server Redis 服务器
type Server struct {
	addr          string
	redisServer   *storage.RedisServer
	cmdTable      *CommandTable
	listener      net.Listener
	clients       map[*Client]bool
	pubsub        *PubSubManager
	stats         *Stats
	blockingMgr   *BlockingManager
	aofWriter     *persistence.AOFWriter
	sharedObjects *SharedObjects
	memoryStats   *MemoryStats
	rdbFilename   string
	aofFilename   string
	mu            sync.RWMutex
	running       bool

	master *replication.Master

	cluster    *cluster.Cluster
	clusterCfg cluster.Config
	log        *logrus.Entry
}

// Client 客户端连接
type Client struct {
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	server      *Server
	db          *storage.RedisDb
	dbIndex     int // 当前选择的数据库索引
	closed      bool
	transaction *Transaction    // 事务（如果处于事务模式）
	inMulti     bool            // 是否在 MULTI 模式
	pipeline    *PipelineBuffer // 管道缓冲区

	asking   bool // ASKING 命令置位，下一条命令用后即焚
	readOnly bool // READONLY/READWRITE 设置的标记；重定向决策不读取它，副本上的读命令同样 MOVED 到槽所有者
}

// NewServer 创建新的服务器
func NewServer(addr string, dbnum int) *Server {
	server := &Server{
		addr:          addr,
		redisServer:   storage.NewRedisServer(dbnum),
		cmdTable:      NewCommandTable(),
		clients:       make(map[*Client]bool),
		pubsub:        NewPubSubManager(),
		stats:         NewStats(),
		blockingMgr:   NewBlockingManager(),
		sharedObjects: NewSharedObjects(),
		memoryStats:   NewMemoryStats(),
		rdbFilename:   "dump.rdb",
		aofFilename:   "appendonly.aof",
		running:       false,
		log:           logrus.StandardLogger().WithField("component", "server"),
	}
	server.master = replication.NewMaster(server.redisServer)

	// 启动定期清理过期阻塞客户端
	go server.cleanBlockingClients()

	return server
}

// InitCluster 按给定配置启动集群子系统；addr 必须是 "host:clientport"
// 形式，busPort 是集群总线端口。集群模式关闭时不应调用本方法，
// CLUSTER 命令会在 s.cluster 为 nil 时拒绝所有子命令。
func (s *Server) InitCluster(cfg cluster.Config) error {
	c, err := cluster.New(cfg)
	if err != nil {
		return fmt.Errorf("initializing cluster: %w", err)
	}
	s.cluster = c
	s.clusterCfg = cfg
	c.SetKeyExistsChecker(func(key string) bool {
		db, err := s.redisServer.GetDb(0)
		if err != nil {
			return true
		}
		return db.Exists(key)
	})
	if err := c.Start(s.replicationOffset); err != nil {
		return fmt.Errorf("starting cluster: %w", err)
	}
	s.log.WithField("node_id", c.Myself().ID).Info("cluster subsystem started")
	return nil
}

// replicationOffset returns the local node's current replication offset for
// election ranking and manual failover offset matching. Every server keeps
// a replication.Master ready to serve PSYNC even before any replica has
// attached, so this is the real propagated-command byte count rather than
// a stand-in; it only falls back to the AOF append count if, somehow, no
// master handle exists yet.
func (s *Server) replicationOffset() int64 {
	if s.master != nil {
		return s.master.Offset()
	}
	if s.aofWriter == nil {
		return 0
	}
	return s.aofWriter.Offset()
}

// Cluster 返回集群子系统句柄，未启用集群模式时为 nil。
func (s *Server) Cluster() *cluster.Cluster { return s.cluster }

// InitAOF 初始化 AOF（如果启用）
func (s *Server) InitAOF(aofEnabled bool, aofFilename string) error {
	if !aofEnabled {
		return nil
	}

	s.aofFilename = aofFilename

	// 先加载 AOF 文件恢复数据（如果文件存在）
	if err := s.LoadAOF(aofFilename); err != nil {
		// 如果文件不存在，这是正常的（首次启动）
		if !os.IsNotExist(err) {
			s.log.WithError(err).Warn("failed to load AOF file")
		}
	}

	// 然后创建 AOF writer 用于后续写入
	aofWriter, err := persistence.NewAOFWriter(aofFilename)
	if err != nil {
		return err
	}
	s.aofWriter = aofWriter
	s.log.WithField("file", aofFilename).Info("AOF initialized")
	return nil
}

// LoadAOF 从 AOF 文件加载并重放命令
func (s *Server) LoadAOF(filename string) error {
	// 检查文件是否存在
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return err
	}

	loader, err := persistence.NewAOFLoader(filename)
	if err != nil {
		return err
	}

	commands, err := loader.Load()
	if err != nil {
		return err
	}

	if len(commands) == 0 {
		return nil
	}

	s.log.WithFields(logrus.Fields{"file": filename, "commands": len(commands)}).Info("loading AOF file")

	// 获取默认数据库（数据库 0）
	defaultDb, _ := s.redisServer.GetDb(0)
	currentDbIndex := 0

	// 创建临时上下文用于重放命令（不写入 AOF，避免重复）
	ctx := &CommandContext{
		Server: s,
		Db:     defaultDb,
		Client: nil, // 加载时没有客户端
	}

	// 临时禁用 AOF 写入（避免重复记录）
	originalAofWriter := s.aofWriter
	s.aofWriter = nil

	// 重放所有命令
	for i, cmd := range commands {
		if !cmd.IsArray() || len(cmd.GetArray()) == 0 {
			continue
		}

		cmdArray := cmd.GetArray()
		cmdName := cmdArray[0].ToString()
		if cmdName == "" {
			continue
		}

		cmdName = toUpper(cmdName)

		// 处理 SELECT 命令（切换数据库）
		if cmdName == "SELECT" && len(cmdArray) >= 2 {
			dbIndex, err := strconv.Atoi(cmdArray[1].ToString())
			if err == nil && dbIndex >= 0 && dbIndex < s.redisServer.GetDbNum() {
				currentDbIndex = dbIndex
				db, _ := s.redisServer.GetDb(currentDbIndex)
				ctx.Db = db
			}
			continue
		}

		// 执行命令
		resp := s.cmdTable.ExecuteCommand(ctx, cmd)
		if resp != nil && resp.Type == protocol.RESP_ERROR {
			s.log.WithFields(logrus.Fields{"index": i + 1, "command": cmdName}).Warnf("AOF replay error: %s", resp.Str)
		}
	}

	// 恢复 AOF writer
	s.aofWriter = originalAofWriter

	s.log.Info("AOF file loaded successfully")
	return nil
}

// cleanBlockingClients 定期清理过期的阻塞客户端
func (s *Server) cleanBlockingClients() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if !s.running {
			return
		}
		s.blockingMgr.CleanExpired()
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.listener = listener
	s.running = true

	s.log.WithField("addr", s.addr).Info("server started")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !s.running {
				return nil
			}
			continue
		}

		// 每个客户端默认使用数据库 0
		defaultDb, _ := s.redisServer.GetDb(0)
		client := &Client{
			conn:        conn,
			reader:      bufio.NewReader(conn),
			writer:      bufio.NewWriter(conn),
			server:      s,
			db:          defaultDb,
			dbIndex:     0,
			closed:      false,
			transaction: nil,
			inMulti:     false,
			pipeline:    NewPipelineBuffer(),
		}

		s.mu.Lock()
		s.clients[client] = true
		s.mu.Unlock()

		go s.handleClient(client)
	}
}

// Stop 停止服务器
func (s *Server) Stop() {
	s.running = false
	if s.listener != nil {
		s.listener.Close()
	}
	if s.cluster != nil {
		s.cluster.Stop()
	}

	s.mu.Lock()
	for client := range s.clients {
		client.Close()
	}
	s.clients = make(map[*Client]bool)
	s.mu.Unlock()
}

// handleClient 处理客户端连接
func (s *Server) handleClient(client *Client) {
	defer client.Close()

	for {
		// 读取请求
		req, err := protocol.Decode(client.reader)
		if err != nil {
			if client.closed {
				return
			}
			// 发送错误响应
			resp := protocol.NewError("ERR " + err.Error())
			client.writeResponse(resp)
			return
		}

		cmdArray := req.GetArray()
		if len(cmdArray) == 0 {
			continue
		}
		cmdName := toUpper(cmdArray[0].ToString())

		// 创建命令上下文
		ctx := &CommandContext{
			Server: s,
			Db:     client.db,
			Client: client,
		}

		// 检查是否在事务模式
		if client.inMulti {
			// 事务模式：命令入队
			// 某些命令不能在事务中执行
			if cmdName == "EXEC" || cmdName == "DISCARD" || cmdName == "WATCH" || cmdName == "MULTI" {
				// 这些命令直接执行
				resp := s.cmdTable.ExecuteCommand(ctx, req)
				if resp != nil {
					if err := client.writeResponse(resp); err != nil {
						return
					}
				}
				continue
			}

			// 其他命令入队
			cmd, err := s.cmdTable.Lookup(cmdName)
			if err != nil {
				resp := protocol.NewError("ERR " + err.Error())
				if err := client.writeResponse(resp); err != nil {
					return
				}
				continue
			}

			if client.transaction == nil {
				client.transaction = NewTransaction()
			}
			client.transaction.AddCommand(req, cmd.Proc)

			// 返回 QUEUED
			resp := protocol.NewSimpleString("QUEUED")
			if err := client.writeResponse(resp); err != nil {
				return
			}
			continue
		}

		if s.cluster != nil {
			if redirectResp, handled := s.checkRedirect(client, cmdName, cmdArray); handled {
				if err := client.writeResponse(redirectResp); err != nil {
					return
				}
				continue
			}
		}

		// 正常模式：执行命令
		startTime := time.Now()
		resp := s.cmdTable.ExecuteCommand(ctx, req)
		duration := time.Since(startTime)

		// 记录统计信息
		s.stats.RecordCommand(cmdName, duration)

		// 如果是写命令且 AOF 已启用，写入 AOF
		if s.aofWriter != nil && s.isWriteCommand(cmdName) && resp != nil && resp.Type != protocol.RESP_ERROR {
			// 写入 AOF（使用原始请求）
			if err := s.aofWriter.Append(req); err != nil {
				s.log.WithError(err).Warn("AOF write error")
			}
		}

		if cmdName != "ASKING" {
			client.asking = false
		}

		// 发送响应（某些命令如 SUBSCRIBE 可能返回 nil）
		if resp != nil {
			if err := client.writeResponse(resp); err != nil {
				return
			}
		}
	}
}

// checkRedirect 在命令真正执行之前运行集群重定向决策。返回 handled=true
// 时，resp 已经是要发送给客户端的最终响应（正常执行结果或重定向错误），
// 调用方不应再把请求传给 cmdTable。
func (s *Server) checkRedirect(client *Client, cmdName string, args []*protocol.RESPValue) (*protocol.RESPValue, bool) {
	keys := extractKeys(cmdName, args)
	if len(keys) == 0 {
		return nil, false
	}
	if s.isWriteCommand(cmdName) && s.cluster.IsWritePaused(time.Now()) {
		return protocol.NewError("TRYAGAIN manual failover in progress, writes are paused"), true
	}
	decision := s.cluster.Redirect(keys, client.asking, isReadOnlyCommand(cmdName))
	switch decision.Action {
	case cluster.ActionExecute:
		return nil, false
	default:
		return protocol.NewError(decision.ErrorReply()), true
	}
}

// writeResponse 写入响应
func (c *Client) writeResponse(resp *protocol.RESPValue) error {
	data := resp.Encode()
	_, err := c.writer.Write(data)
	if err != nil {
		return err
	}
	return c.writer.Flush()
}

// Close 关闭客户端连接
func (c *Client) Close() {
	if c.closed {
		return
	}

	c.closed = true
	c.conn.Close()

	c.server.mu.Lock()
	delete(c.server.clients, c)
	c.server.mu.Unlock()
}

// isWriteCommand 判断是否是写命令
func (s *Server) isWriteCommand(cmdName string) bool {
	writeCommands := map[string]bool{
		"SET": true, "MSET": true, "SETEX": true, "SETNX": true,
		"DEL": true, "EXPIRE": true, "EXPIREAT": true, "PERSIST": true,
		"LPUSH": true, "RPUSH": true, "LPOP": true, "RPOP": true,
		"LREM": true, "LSET": true, "LTRIM": true,
		"SADD": true, "SREM": true, "SPOP": true,
		"ZADD": true, "ZREM": true, "ZINCRBY": true,
		"HSET": true, "HMSET": true, "HDEL": true, "HINCRBY": true,
		"INCR": true, "DECR": true, "INCRBY": true, "DECRBY": true,
		"APPEND": true, "GETSET": true,
	}
	return writeCommands[cmdName]
}

func isReadOnlyCommand(cmdName string) bool {
	readCommands := map[string]bool{
		"GET": true, "MGET": true, "EXISTS": true, "TYPE": true, "TTL": true,
		"STRLEN": true, "GETRANGE": true, "LRANGE": true, "LLEN": true,
		"LINDEX": true, "SMEMBERS": true, "SCARD": true, "SISMEMBER": true,
		"ZRANGE": true, "ZSCORE": true, "ZCARD": true, "HGET": true,
		"HGETALL": true, "HLEN": true, "HKEYS": true, "HVALS": true,
	}
	return readCommands[cmdName]
}

// extractKeys 返回一条命令涉及的 key 集合，用于集群重定向的槽位检查。
// 没有通用的按命令元数据抽取 key 位置的机制，这里按照真实 Redis 的
// 惯例对常见形状做分类：单 key 命令取第一个参数；DEL/EXISTS/MGET 等
// 取全部参数；MSET/MSETNX 按 (key, value) 成对取偶数位置；管理/连接/
// 发布订阅类命令没有 key，直接放行。
func extractKeys(cmdName string, args []*protocol.RESPValue) []string {
	rest := args[1:]
	switch cmdName {
	case "PING", "ECHO", "SELECT", "AUTH", "HELLO", "COMMAND", "INFO",
		"CONFIG", "CLIENT", "CLUSTER", "SUBSCRIBE", "UNSUBSCRIBE",
		"PSUBSCRIBE", "PUNSUBSCRIBE", "PUBLISH", "MULTI", "EXEC", "DISCARD",
		"WATCH", "UNWATCH", "ASKING", "READONLY", "READWRITE", "DBSIZE",
		"FLUSHDB", "FLUSHALL", "SAVE", "BGSAVE", "BGREWRITEAOF", "SHUTDOWN",
		"LASTSAVE", "TIME", "KEYS", "SCAN", "RANDOMKEY":
		return nil
	case "DEL", "EXISTS", "MGET", "UNLINK", "TOUCH":
		return argsToStrings(rest)
	case "MSET", "MSETNX":
		keys := make([]string, 0, len(rest)/2+1)
		for i := 0; i < len(rest); i += 2 {
			keys = append(keys, rest[i].ToString())
		}
		return keys
	default:
		if len(rest) == 0 {
			return nil
		}
		return []string{rest[0].ToString()}
	}
}

func argsToStrings(vals []*protocol.RESPValue) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = v.ToString()
	}
	return out
}

// GetRedisServer 获取 Redis 服务器实例
func (s *Server) GetRedisServer() *storage.RedisServer {
	return s.redisServer
}
