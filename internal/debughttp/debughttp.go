// Package debughttp exposes a read-only HTTP surface for operators:
// health, ring topology, and key listings. It never mutates node state;
// all writes go through the wire protocol.
package debughttp

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chordkv/internal/node"
	"chordkv/internal/ring"
)

// refList renders a slice of ring.NodeRef as JSON-friendly objects.
func refList(refs []ring.NodeRef) []gin.H {
	out := make([]gin.H, 0, len(refs))
	for _, r := range refs {
		out = append(out, gin.H{"node_id": r.ID, "address": r.Address})
	}
	return out
}

// Handler serves the introspection routes for one node.
type Handler struct {
	node *node.Node
}

// NewHandler creates a Handler bound to n.
func NewHandler(n *node.Node) *Handler {
	return &Handler{node: n}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Health)

	debug := r.Group("/debug")
	debug.GET("/ring", h.Ring)
	debug.GET("/keys/primary", h.PrimaryKeys)
	debug.GET("/keys/backup/:primaryID", h.BackupKeys)
}

// Health handles GET /healthz
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node_id": h.node.Self().ID,
		"address": h.node.Self().Address,
		"state":   h.node.State().String(),
		"status":  "ok",
	})
}

// Ring handles GET /debug/ring
func (h *Handler) Ring(c *gin.Context) {
	rv := h.node.RingView()

	nodes := rv.AllNodes()
	members := make([]gin.H, 0, len(nodes))
	for _, n := range nodes {
		members = append(members, gin.H{"node_id": n.ID, "address": n.Address})
	}

	resp := gin.H{
		"self":           gin.H{"node_id": h.node.Self().ID, "address": h.node.Self().Address},
		"m":              h.node.M(),
		"consistency":    h.node.Quorum().ConsistencyLevel(),
		"successor":      gin.H{"node_id": rv.Successor().ID, "address": rv.Successor().Address},
		"successor_list": refList(rv.SuccessorList()),
		"members":        members,
	}
	if pred, ok := rv.Predecessor(); ok {
		resp["predecessor"] = gin.H{"node_id": pred.ID, "address": pred.Address}
	}
	c.JSON(http.StatusOK, resp)
}

// PrimaryKeys handles GET /debug/keys/primary
func (h *Handler) PrimaryKeys(c *gin.Context) {
	store := h.node.Storage()
	keys := store.AllPrimaryKeys()

	out := make([]gin.H, 0, len(keys))
	for _, key := range keys {
		vv, ok := store.Get(key)
		if !ok {
			continue
		}
		out = append(out, gin.H{
			"key":     key,
			"hash":    h.node.HashKey(key),
			"version": vv.Version,
		})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "keys": out})
}

// BackupKeys handles GET /debug/keys/backup/:primaryID
func (h *Handler) BackupKeys(c *gin.Context) {
	primaryID, err := strconv.Atoi(c.Param("primaryID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "primaryID must be an integer"})
		return
	}

	bucket := h.node.Storage().AllBackupsFor(primaryID)
	out := make([]gin.H, 0, len(bucket))
	for key, vv := range bucket {
		out = append(out, gin.H{"key": key, "version": vv.Version})
	}
	c.JSON(http.StatusOK, gin.H{
		"primary_node_id": primaryID,
		"count":           len(out),
		"keys":            out,
		"held_buckets":    h.node.Storage().BackupPrimaries(),
	})
}
