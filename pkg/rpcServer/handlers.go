package rpcServer

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/yieldledger/yieldledger/internal/metrics/metricsTypes"
	"github.com/yieldledger/yieldledger/internal/version"
	"github.com/yieldledger/yieldledger/pkg/balances"
	"github.com/yieldledger/yieldledger/pkg/types/numbers"
	"github.com/yieldledger/yieldledger/pkg/utils"
)

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

// The gateway mux tries the most recently registered pattern first, so literal
// routes are listed after the variable routes they overlap with.
func (rpc *RpcServer) routes() []route {
	return []route{
		{http.MethodGet, "/v1/health", rpc.HealthCheck},
		{http.MethodGet, "/v1/ready", rpc.ReadyCheck},
		{http.MethodGet, "/v1/version", rpc.GetVersion},
		{http.MethodGet, "/v1/vaults/{asset}", rpc.GetVault},
		{http.MethodGet, "/v1/vaults/{asset}/convert-to-shares", rpc.ConvertToShares},
		{http.MethodGet, "/v1/vaults/{asset}/convert-to-assets", rpc.ConvertToAssets},
		{http.MethodGet, "/v1/streamer/{asset}", rpc.GetStream},
		{http.MethodGet, "/v1/epochs", rpc.ListEpochs},
		{http.MethodGet, "/v1/epochs/{index}", rpc.GetEpoch},
		{http.MethodGet, "/v1/epochs/current", rpc.GetCurrentEpoch},
		{http.MethodGet, "/v1/epochs/{index}/claims", rpc.ListEpochClaims},
		{http.MethodGet, "/v1/epochs/{index}/claims/{operator}", rpc.GetClaimStatus},
		{http.MethodGet, "/v1/state-root", rpc.GetStateRoot},
		{http.MethodGet, "/v1/transitions/{seq}", rpc.GetTransition},
	}
}

func (rpc *RpcServer) registerHandlers(mux *runtime.ServeMux) error {
	for _, r := range rpc.routes() {
		if err := mux.HandlePath(r.method, r.pattern, rpc.instrument(r.pattern, r.handler)); err != nil {
			return err
		}
	}
	return nil
}

// instrument records request counts and latency labelled by route pattern.
func (rpc *RpcServer) instrument(pattern string, h runtime.HandlerFunc) runtime.HandlerFunc {
	labels := []metricsTypes.MetricsLabel{{Name: "path", Value: pattern}}
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		start := time.Now()
		h(w, r, pathParams)
		_ = rpc.metricsSink.Incr(metricsTypes.Metric_Incr_HttpRequest, labels, 1)
		_ = rpc.metricsSink.Timing(metricsTypes.Metric_Timing_HttpDuration, time.Since(start), labels)
	}
}

func (rpc *RpcServer) HealthCheck(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	rpc.writeJSON(w, http.StatusOK, map[string]string{"status": "SERVING"})
}

func (rpc *RpcServer) ReadyCheck(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	rpc.writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func (rpc *RpcServer) GetVersion(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	rpc.writeJSON(w, http.StatusOK, map[string]string{
		"version": version.GetVersion(),
		"commit":  version.GetCommit(),
	})
}

func (rpc *RpcServer) GetVault(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	asset, err := balances.ParseAsset(pathParams["asset"])
	if err != nil {
		rpc.writeError(w, err)
		return
	}
	summary, err := rpc.ledger.GetVaultSummary(asset)
	if err != nil {
		rpc.writeError(w, err)
		return
	}
	rpc.writeJSON(w, http.StatusOK, summary)
}

type conversionResponse struct {
	Asset  balances.Asset `json:"asset"`
	Input  string         `json:"input"`
	Output string         `json:"output"`
}

func (rpc *RpcServer) ConvertToShares(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	asset, err := balances.ParseAsset(pathParams["asset"])
	if err != nil {
		rpc.writeError(w, err)
		return
	}
	assets, err := numbers.ParseAmount(r.URL.Query().Get("assets"))
	if err != nil {
		rpc.writeError(w, badRequest(err))
		return
	}
	shares, err := rpc.ledger.ConvertToShares(asset, assets)
	if err != nil {
		rpc.writeError(w, err)
		return
	}
	rpc.writeJSON(w, http.StatusOK, &conversionResponse{Asset: asset, Input: assets.String(), Output: shares.String()})
}

func (rpc *RpcServer) ConvertToAssets(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	asset, err := balances.ParseAsset(pathParams["asset"])
	if err != nil {
		rpc.writeError(w, err)
		return
	}
	shares, err := numbers.ParseAmount(r.URL.Query().Get("shares"))
	if err != nil {
		rpc.writeError(w, badRequest(err))
		return
	}
	assets, err := rpc.ledger.ConvertToAssets(asset, shares)
	if err != nil {
		rpc.writeError(w, err)
		return
	}
	rpc.writeJSON(w, http.StatusOK, &conversionResponse{Asset: asset, Input: shares.String(), Output: assets.String()})
}

func (rpc *RpcServer) GetStream(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	asset, err := balances.ParseAsset(pathParams["asset"])
	if err != nil {
		rpc.writeError(w, err)
		return
	}
	summary, err := rpc.ledger.GetStreamSummary(asset)
	if err != nil {
		rpc.writeError(w, err)
		return
	}
	rpc.writeJSON(w, http.StatusOK, summary)
}

func (rpc *RpcServer) ListEpochs(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	rpc.writeJSON(w, http.StatusOK, rpc.ledger.ListEpochs())
}

func (rpc *RpcServer) GetCurrentEpoch(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	rpc.writeJSON(w, http.StatusOK, rpc.ledger.GetCurrentEpoch())
}

func (rpc *RpcServer) GetEpoch(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	index, err := parseEpochIndex(pathParams["index"])
	if err != nil {
		rpc.writeError(w, err)
		return
	}
	epoch, err := rpc.ledger.GetEpoch(index)
	if err != nil {
		rpc.writeError(w, err)
		return
	}
	rpc.writeJSON(w, http.StatusOK, epoch)
}

func (rpc *RpcServer) GetClaimStatus(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	index, err := parseEpochIndex(pathParams["index"])
	if err != nil {
		rpc.writeError(w, err)
		return
	}
	operator, err := utils.ParseAddress(pathParams["operator"])
	if err != nil {
		rpc.writeError(w, badRequest(err))
		return
	}
	status, err := rpc.ledger.GetClaimStatus(operator, index)
	if err != nil {
		rpc.writeError(w, err)
		return
	}
	rpc.writeJSON(w, http.StatusOK, status)
}

func (rpc *RpcServer) GetStateRoot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	rpc.writeJSON(w, http.StatusOK, rpc.ledger.GetStateRoot())
}

func (rpc *RpcServer) ListEpochClaims(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	index, err := parseEpochIndex(pathParams["index"])
	if err != nil {
		rpc.writeError(w, err)
		return
	}
	if rpc.transitionStore == nil {
		rpc.writeError(w, ErrHistoryUnavailable)
		return
	}
	records, err := rpc.transitionStore.ListClaimRecordsForEpoch(index)
	if err != nil {
		rpc.writeError(w, err)
		return
	}
	rpc.writeJSON(w, http.StatusOK, records)
}

func (rpc *RpcServer) GetTransition(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	seq, err := strconv.ParseUint(pathParams["seq"], 10, 64)
	if err != nil {
		rpc.writeError(w, badRequest(fmt.Errorf("invalid sequence '%s'", pathParams["seq"])))
		return
	}
	if rpc.transitionStore == nil {
		rpc.writeError(w, ErrHistoryUnavailable)
		return
	}
	transition, err := rpc.transitionStore.GetTransitionBySeq(seq)
	if err != nil {
		rpc.writeError(w, err)
		return
	}
	if transition == nil {
		rpc.writeError(w, fmt.Errorf("%w: %d", ErrTransitionNotFound, seq))
		return
	}
	rpc.writeJSON(w, http.StatusOK, transition)
}
