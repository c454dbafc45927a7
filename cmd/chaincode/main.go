/*
main.go - Chaincode entry point

PURPOSE:
  Packages the batch contract for deployment on a Fabric peer. The peer
  launches this binary and drives it over the chaincode shim; there are no
  flags. LOG_LEVEL and LOG_FORMAT select the engine's log output.

SEE ALSO:
  - chaincode/contract.go: Transaction functions
*/
package main

import (
	"log"
	"os"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/plancana/batch-ledger/batch"
	"github.com/plancana/batch-ledger/chaincode"
	"github.com/plancana/batch-ledger/logger"
)

func main() {
	zl, err := logger.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zl.Sync()

	cc, err := contractapi.NewChaincode(chaincode.NewBatchContract(batch.NewEngine(zl)))
	if err != nil {
		log.Fatalf("Error creating chaincode: %v", err)
	}
	if err := cc.Start(); err != nil {
		log.Fatalf("Error starting chaincode: %v", err)
	}
}
