/*
Package ota assembles the ledger part of a device restore.

PURPOSE:
  A device that syncs receives the current stock on hand of the cases it
  owns as ledger balance blocks, one block per (case, section):

    <ns0:balance xmlns:ns0="http://commcarehq.org/ledger/v1"
                 date="2024-03-01T00:00:00.000000Z" entity-id="clinic-1" section-id="stock">
      <ns0:entry id="amoxicillin" quantity="40"/>
    </ns0:balance>

  The block date is the latest LastModified among its entries.

CONSUMPTION SECTIONS:
  With SectionToConsumptionTypes set (e.g. stock -> consumption), each block
  of a mapped section is followed by a block under the target section that
  carries monthly consumption (daily estimate * 30, 2 decimals) for every
  product that has an estimate. Products without one are left out and a
  block without entries is not emitted.

READ CONTRACT:
  States are read through StateSource after the engine has committed, so a
  restore always reflects every applied report.
*/
package ota

import (
	"context"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

const (
	LedgerNamespace = "http://commcarehq.org/ledger/v1"
	nsPrefix        = "ns0"

	// DateLayout matches the device-side parser.
	DateLayout = "2006-01-02T15:04:05.000000Z"
)

// StateSource is the read side the assembler needs; *ledger.Engine is one.
type StateSource interface {
	StockStatesForCases(ctx context.Context, cases []ledger.CaseID, section ledger.SectionID) ([]ledger.StockState, error)
}

type Config struct {
	SectionToConsumptionTypes map[ledger.SectionID]ledger.SectionID
}

type Assembler struct {
	source StateSource
	cfg    Config
}

func NewAssembler(source StateSource, cfg Config) *Assembler {
	return &Assembler{source: source, cfg: cfg}
}

// Block is one balance element before serialization.
type Block struct {
	CaseID    ledger.CaseID
	SectionID ledger.SectionID
	Date      time.Time
	Entries   []BlockEntry
}

type BlockEntry struct {
	ProductID ledger.ProductID
	Quantity  decimal.Decimal
}

// Blocks returns the balance blocks of cases ordered by case, then section.
// Consumption blocks follow the block they were derived from.
func (a *Assembler) Blocks(ctx context.Context, cases []ledger.CaseID) ([]Block, error) {
	states, err := a.source.StockStatesForCases(ctx, cases, "")
	if err != nil {
		return nil, err
	}

	var blocks []Block
	for start := 0; start < len(states); {
		end := start + 1
		for end < len(states) &&
			states[end].CaseID == states[start].CaseID &&
			states[end].SectionID == states[start].SectionID {
			end++
		}
		group := states[start:end]
		start = end

		blocks = append(blocks, stockBlock(group))
		if target, ok := a.cfg.SectionToConsumptionTypes[group[0].SectionID]; ok {
			if b, ok := consumptionBlock(group, target); ok {
				blocks = append(blocks, b)
			}
		}
	}
	return blocks, nil
}

func stockBlock(group []ledger.StockState) Block {
	b := Block{CaseID: group[0].CaseID, SectionID: group[0].SectionID}
	for _, s := range group {
		if s.LastModified.After(b.Date) {
			b.Date = s.LastModified
		}
		b.Entries = append(b.Entries, BlockEntry{ProductID: s.ProductID, Quantity: s.StockOnHand})
	}
	return b
}

func consumptionBlock(group []ledger.StockState, section ledger.SectionID) (Block, bool) {
	b := Block{CaseID: group[0].CaseID, SectionID: section}
	for _, s := range group {
		if s.LastModified.After(b.Date) {
			b.Date = s.LastModified
		}
		if s.DailyConsumption == nil {
			continue
		}
		monthly := s.DailyConsumption.Mul(decimal.NewFromInt(ledger.DaysInMonth)).Round(2)
		b.Entries = append(b.Entries, BlockEntry{ProductID: s.ProductID, Quantity: monthly})
	}
	return b, len(b.Entries) > 0
}

// Element converts a block into its XML form.
func (b Block) Element() *etree.Element {
	el := etree.NewElement(nsPrefix + ":balance")
	el.CreateAttr("xmlns:"+nsPrefix, LedgerNamespace)
	el.CreateAttr("date", b.Date.UTC().Format(DateLayout))
	el.CreateAttr("entity-id", string(b.CaseID))
	el.CreateAttr("section-id", string(b.SectionID))
	for _, e := range b.Entries {
		entry := el.CreateElement(nsPrefix + ":entry")
		entry.CreateAttr("id", string(e.ProductID))
		entry.CreateAttr("quantity", e.Quantity.String())
	}
	return el
}

// Render writes the blocks of cases as one <ledgers> document.
func (a *Assembler) Render(ctx context.Context, cases []ledger.CaseID) ([]byte, error) {
	blocks, err := a.Blocks(ctx, cases)
	if err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	root := doc.CreateElement("ledgers")
	for _, b := range blocks {
		root.AddChild(b.Element())
	}
	return doc.WriteToBytes()
}
