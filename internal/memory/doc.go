// Package memory is the optional semantic-memory collaborator. Finished
// tasks are remembered per user and recalled as context when answering
// questions. Backends: chromem-go (embedded) and Qdrant.
package memory
