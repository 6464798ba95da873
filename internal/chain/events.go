package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FilterEscrowEvents returns all FundLocked and PaymentReleased logs emitted
// by the contract in [fromBlock, toBlock], in log order.
func (c *Client) FilterEscrowEvents(ctx context.Context, fromBlock, toBlock uint64) ([]RawEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics: [][]common.Hash{
			{c.fundLockedTopic, c.paymentReleasedTopic},
		},
	}

	logs, err := c.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}

	events := make([]RawEvent, 0, len(logs))
	for _, vLog := range logs {
		ev, err := c.decodeLog(vLog)
		if err != nil {
			// Malformed logs from the watched contract are skipped, not fatal:
			// the reconciler can only act on well-formed events anyway.
			continue
		}
		events = append(events, *ev)
	}
	return events, nil
}

// decodeLog converts one raw contract log into a RawEvent.
func (c *Client) decodeLog(vLog types.Log) (*RawEvent, error) {
	if len(vLog.Topics) < 4 {
		return nil, fmt.Errorf("expected 4 topics, got %d", len(vLog.Topics))
	}

	ev := &RawEvent{
		EscrowID:    vLog.Topics[1],
		Payer:       common.BytesToAddress(vLog.Topics[2].Bytes()),
		Payee:       common.BytesToAddress(vLog.Topics[3].Bytes()),
		TxHash:      vLog.TxHash,
		BlockNumber: vLog.BlockNumber,
		LogIndex:    vLog.Index,
	}

	switch vLog.Topics[0] {
	case c.fundLockedTopic:
		ev.Type = EventFundLocked
		out, err := c.contractABI.Events["FundLocked"].Inputs.NonIndexed().Unpack(vLog.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack FundLocked: %w", err)
		}
		if len(out) != 3 {
			return nil, fmt.Errorf("unexpected FundLocked data arity: %d", len(out))
		}
		ev.Amount = out[0].(*big.Int)
		ev.Timestamp = out[1].(*big.Int).Uint64()
		ev.Metadata = out[2].(string)

	case c.paymentReleasedTopic:
		ev.Type = EventPaymentReleased
		out, err := c.contractABI.Events["PaymentReleased"].Inputs.NonIndexed().Unpack(vLog.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack PaymentReleased: %w", err)
		}
		if len(out) != 3 {
			return nil, fmt.Errorf("unexpected PaymentReleased data arity: %d", len(out))
		}
		ev.Amount = out[0].(*big.Int)
		ev.Timestamp = out[1].(*big.Int).Uint64()
		ev.ReleaseRef = out[2].(string)

	default:
		return nil, fmt.Errorf("unknown event topic %s", vLog.Topics[0].Hex())
	}

	return ev, nil
}
