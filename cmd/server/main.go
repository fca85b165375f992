package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shardkeeper/shardkeeper/cluster"
	"github.com/shardkeeper/shardkeeper/server"
	"github.com/shardkeeper/shardkeeper/utils"
)

/*
 * ============================================================================
 * shardkeeper-server - 进程入口
 * ============================================================================
 *
 * 命令行由 cobra 驱动，日志由 logrus 驱动；flag 的优先级高于 .env/环境
 * 变量，两者都没给出时落到 utils.LoadServerConfig 的默认值。
 */

func main() {
	var addr string
	var dbnum int
	var clusterEnabled bool
	var clusterBusPort int
	var clusterNodeID string

	env := os.Getenv("ENV")
	if env == "" {
		env = "dev"
	}
	if err := utils.LoadEnv(env); err != nil {
		logrus.WithError(err).Warn("failed to load .env file")
	}
	config := utils.LoadServerConfig()

	log := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(config.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	root := &cobra.Command{
		Use:   "shardkeeper-server",
		Short: "shardkeeper Redis-compatible server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(log, config, addr, dbnum, clusterEnabled, clusterBusPort, clusterNodeID)
		},
	}
	root.Flags().StringVar(&addr, "addr", config.Addr, "client-facing listen address")
	root.Flags().IntVar(&dbnum, "dbnum", config.DbNum, "number of logical databases")
	root.Flags().BoolVar(&clusterEnabled, "cluster-enabled", config.ClusterEnabled, "enable cluster mode")
	root.Flags().IntVar(&clusterBusPort, "cluster-bus-port", config.ClusterPort, "cluster bus listen port")
	root.Flags().StringVar(&clusterNodeID, "cluster-node-id", config.ClusterNodeID, "fixed node id (empty = generate)")

	clusterCmd := &cobra.Command{
		Use:   "cluster",
		Short: "inspect a running cluster's nodes.conf without starting a server",
	}
	clusterCmd.AddCommand(&cobra.Command{
		Use:   "nodes",
		Short: "print the on-disk topology file",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := cluster.NewTopologyStore(config.ClusterConfigFile)
			result, err := store.Load()
			if err != nil {
				return err
			}
			for _, n := range result.Nodes {
				fmt.Println(n.Summary())
			}
			return nil
		},
	})
	root.AddCommand(clusterCmd)

	if err := root.Execute(); err != nil {
		log.WithError(err).Fatal("server exited with error")
	}
}

func runServer(log *logrus.Logger, config *utils.ServerConfig, addr string, dbnum int, clusterEnabled bool, clusterBusPort int, clusterNodeID string) error {
	srv := server.NewServer(addr, dbnum)

	if err := srv.InitAOF(config.AofEnabled, config.AofFilename); err != nil {
		log.WithError(err).Warn("failed to initialize AOF")
	}

	if clusterEnabled {
		bindIP, clientPort, err := splitHostPort(addr)
		if err != nil {
			return fmt.Errorf("parsing --addr for cluster bind: %w", err)
		}
		cfg := cluster.Config{
			NodeID:           clusterNodeID,
			BindIP:           bindIP,
			ClientPort:       clientPort,
			BusPort:          clusterBusPort,
			ConfigPath:       config.ClusterConfigFile,
			NodeTimeout:      time.Duration(config.ClusterNodeTimeoutMs) * time.Millisecond,
			AllowReadsDown:   config.ClusterAllowReadsWhenDown,
			RequireFullCover: config.ClusterRequireFullCoverage,
			Logger:           log,
		}
		if err := srv.InitCluster(cfg); err != nil {
			log.WithError(err).Warn("failed to initialize cluster")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.WithError(err).Fatal("server error")
		}
	}()

	log.WithFields(logrus.Fields{
		"addr":            addr,
		"dbnum":           dbnum,
		"rdb_enabled":     config.RdbEnabled,
		"aof_enabled":     config.AofEnabled,
		"cluster_enabled": clusterEnabled,
	}).Info("shardkeeper server started")

	<-sigChan
	log.Info("shutting down server")
	srv.Stop()
	log.Info("server stopped")
	return nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := cluster.ParsePort(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
