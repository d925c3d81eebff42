/*
Arena wires the trading arena together behind one use case type shared by the REST and websocket transports.

# Module
  - quote aggregator: polls price sources, publishes one snapshot per tick
  - session manager: agent identity, ledgers and the per agent outbound channel
  - engine: fills orders at the latest quote against the agent ledger
  - epoch orchestrator: ranks, eliminates and reopens on a timer
  - council: grades shared insights and narrates epochs through the llm gateway

# Source
 1. price sources (dexscreener, synthetic) polled by the aggregator
 2. agent requests from REST and websocket
 3. snapshot + trade journal on recovery

# Produce
  - price_update, order_result, epoch_end, hive_patch to agents
  - trade journal, arena snapshot, epoch archive
*/
package arena
