package main

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/shardkeeper/shardkeeper/cluster"
	"github.com/shardkeeper/shardkeeper/utils"
)

/*
 * ============================================================================
 * shardkeeper-admin - 集群可观测性 HTTP 面板
 * ============================================================================
 *
 * 不持有数据面连接，只读本地 nodes.conf 并暴露只读的 HTTP/JSON 视图，
 * 外加一个 /metrics 抓取端点。这是一个独立的、只读拓扑文件的旁路观测
 * 进程，便于在没有专门监控栈时直接用浏览器查看集群状态。
 */

func main() {
	log := logrus.StandardLogger()
	config := utils.LoadServerConfig()

	reg := prometheus.NewRegistry()
	_ = cluster.NewMetrics(reg) // 注册即可抓取；本面板自身不产生总线流量

	store := cluster.NewTopologyStore(config.ClusterConfigFile)

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/cluster/nodes", func(c *gin.Context) {
		result, err := store.Load()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		nodes := make([]string, 0, len(result.Nodes))
		for _, n := range result.Nodes {
			nodes = append(nodes, n.Summary())
		}
		c.JSON(http.StatusOK, gin.H{"nodes": nodes, "local_node_id": result.LocalNodeID})
	})

	router.GET("/cluster/myid", func(c *gin.Context) {
		result, err := store.Load()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": result.LocalNodeID})
	})

	router.GET("/cluster/slots", func(c *gin.Context) {
		result, err := store.Load()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		type slotOwner struct {
			NodeID string `json:"node_id"`
			Count  int    `json:"slot_count"`
		}
		owners := make([]slotOwner, 0, len(result.Nodes))
		for _, n := range result.Nodes {
			owners = append(owners, slotOwner{NodeID: n.ID, Count: n.NumSlots()})
		}
		c.JSON(http.StatusOK, gin.H{"owners": owners})
	})

	router.GET("/cluster/info", func(c *gin.Context) {
		result, err := store.Load()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"current_epoch":   result.CurrentEpoch,
			"last_vote_epoch": result.LastVoteEpoch,
			"known_nodes":     len(result.Nodes),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	addr := config.AdminAddr
	log.WithField("addr", addr).Info("cluster admin panel listening")
	if err := router.Run(addr); err != nil {
		log.WithError(err).Error("admin panel exited")
		os.Exit(1)
	}
}
